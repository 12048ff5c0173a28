package health

import (
	"image"
	"sync"
	"time"

	"github.com/tantradev/kbot/internal/config"
)

const (
	hpRedMin   = 150 // health bars are saturated red
	hpGreenMax = 100
	hpBlueMax  = 100

	mpBlueMin  = 150 // mana bars are saturated blue
	mpRedMax   = 100
	mpGreenMax = 100

	// Pixels with every channel above this are UI glare, they never count as
	// bar fill.
	brightMin = 200

	// A target frame with health above this percent means something is
	// actually selected, lower readings are frame decoration noise.
	targetAliveMin = 5
)

// Vitals is one reading of the player and target status bars.
type Vitals struct {
	HP           int       `json:"hp"`
	MP           int       `json:"mp"`
	TargetHP     int       `json:"targetHp"`
	TargetExists bool      `json:"targetExists"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// Bars locates the individual status bars inside the captured vitals region.
// Coordinates are relative to that region.
type Bars struct {
	HP     config.Region
	MP     config.Region
	Target config.Region
}

// Reader turns captured vitals pixels into fill percentages. The last reading
// is kept so consumers polling between captures never block.
type Reader struct {
	bars Bars

	mu   sync.RWMutex
	last Vitals
}

func NewReader(bars Bars) *Reader {
	return &Reader{bars: bars}
}

// Analyze scans the status bars in a captured vitals region and stores the
// result as the current reading.
func (r *Reader) Analyze(img *image.RGBA) Vitals {
	v := Vitals{
		HP:         barFill(img, r.bars.HP, isHPPixel),
		MP:         barFill(img, r.bars.MP, isMPPixel),
		TargetHP:   barFill(img, r.bars.Target, isHPPixel),
		CapturedAt: time.Now(),
	}
	v.TargetExists = v.TargetHP > targetAliveMin

	r.mu.Lock()
	r.last = v
	r.mu.Unlock()

	return v
}

// Current returns the last reading without blocking on a capture.
func (r *Reader) Current() Vitals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.last
}

// barFill finds the rightmost matching pixel per row and averages the row
// fill levels, which tolerates the rounded ends the bar artwork has.
func barFill(img *image.RGBA, bar config.Region, match func(r, g, b uint8) bool) int {
	if bar.W <= 0 || bar.H <= 0 {
		return 0
	}

	base := img.Bounds().Min
	var total float64
	rows := 0

	for y := 0; y < bar.H; y++ {
		py := base.Y + bar.Y + y
		rightmost := -1

		for x := 0; x < bar.W; x++ {
			px := base.X + bar.X + x
			if !(image.Point{X: px, Y: py}).In(img.Bounds()) {
				continue
			}

			c := img.RGBAAt(px, py)
			if c.R > brightMin && c.G > brightMin && c.B > brightMin {
				continue
			}
			if match(c.R, c.G, c.B) {
				rightmost = x
			}
		}

		total += float64(rightmost+1) / float64(bar.W) * 100
		rows++
	}

	if rows == 0 {
		return 0
	}

	fill := int(total / float64(rows))
	if fill < 0 {
		fill = 0
	}
	if fill > 100 {
		fill = 100
	}

	return fill
}

func isHPPixel(r, g, b uint8) bool {
	return r >= hpRedMin && g <= hpGreenMax && b <= hpBlueMax
}

func isMPPixel(r, g, b uint8) bool {
	return b >= mpBlueMin && r <= mpRedMax && g <= mpGreenMax
}
