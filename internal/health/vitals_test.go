package health

import (
	"image"
	"image/color"
	"testing"

	"github.com/tantradev/kbot/internal/config"
)

// Fixtures are 200x60 captures with 100px wide bars, so a fill of n pixels
// reads as exactly n percent.
func testBars() Bars {
	return Bars{
		HP:     config.Region{X: 10, Y: 5, W: 100, H: 4},
		MP:     config.Region{X: 10, Y: 20, W: 100, H: 4},
		Target: config.Region{X: 10, Y: 40, W: 100, H: 3},
	}
}

func newVitalsFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 200, 60))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 40, 40, 40, 255
	}
	return img
}

func paintBar(img *image.RGBA, bar config.Region, fillPx int, c color.RGBA) {
	for y := bar.Y; y < bar.Y+bar.H; y++ {
		for x := bar.X; x < bar.X+fillPx; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

var (
	hpRed  = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	mpBlue = color.RGBA{R: 30, G: 30, B: 200, A: 255}
)

func TestAnalyzeReadsBarFills(t *testing.T) {
	bars := testBars()
	img := newVitalsFrame()
	paintBar(img, bars.HP, 60, hpRed)
	paintBar(img, bars.MP, 40, mpBlue)
	paintBar(img, bars.Target, 80, hpRed)

	v := NewReader(bars).Analyze(img)

	if v.HP != 60 {
		t.Fatalf("HP = %d, want 60", v.HP)
	}
	if v.MP != 40 {
		t.Fatalf("MP = %d, want 40", v.MP)
	}
	if v.TargetHP != 80 {
		t.Fatalf("target HP = %d, want 80", v.TargetHP)
	}
	if !v.TargetExists {
		t.Fatal("target with 80% health must read as selected")
	}
	if v.CapturedAt.IsZero() {
		t.Fatal("CapturedAt not set")
	}
}

func TestAnalyzeEmptyBars(t *testing.T) {
	v := NewReader(testBars()).Analyze(newVitalsFrame())

	if v.HP != 0 || v.MP != 0 || v.TargetHP != 0 {
		t.Fatalf("vitals = %+v, want all zero on an empty frame", v)
	}
	if v.TargetExists {
		t.Fatal("no target bar fill must read as no selection")
	}
}

func TestAnalyzeTargetNoiseFloor(t *testing.T) {
	bars := testBars()

	// Exactly at the noise floor reads as no target.
	img := newVitalsFrame()
	paintBar(img, bars.Target, 5, hpRed)
	if v := NewReader(bars).Analyze(img); v.TargetExists {
		t.Fatalf("target at %d%% must read as frame noise", v.TargetHP)
	}

	img = newVitalsFrame()
	paintBar(img, bars.Target, 10, hpRed)
	if v := NewReader(bars).Analyze(img); !v.TargetExists {
		t.Fatalf("target at %d%% must read as selected", v.TargetHP)
	}
}

func TestAnalyzeAveragesRows(t *testing.T) {
	bars := Bars{HP: config.Region{X: 0, Y: 0, W: 100, H: 2}}
	img := newVitalsFrame()

	// Rounded bar ends leave rows with different fills.
	paintBar(img, config.Region{X: 0, Y: 0, W: 100, H: 1}, 60, hpRed)
	paintBar(img, config.Region{X: 0, Y: 1, W: 100, H: 1}, 40, hpRed)

	if v := NewReader(bars).Analyze(img); v.HP != 50 {
		t.Fatalf("HP = %d, want row average 50", v.HP)
	}
}

func TestAnalyzeIgnoresWrongColor(t *testing.T) {
	bars := testBars()
	img := newVitalsFrame()
	// A blue fill inside the HP bar region must not read as health.
	paintBar(img, bars.HP, 60, mpBlue)

	if v := NewReader(bars).Analyze(img); v.HP != 0 {
		t.Fatalf("HP = %d, want 0 for a non-red fill", v.HP)
	}
}

func TestAnalyzeOutOfBoundsBar(t *testing.T) {
	bars := Bars{HP: config.Region{X: 500, Y: 500, W: 100, H: 4}}

	v := NewReader(bars).Analyze(newVitalsFrame())
	if v.HP != 0 {
		t.Fatalf("HP = %d, want 0 for a bar outside the capture", v.HP)
	}
}

func TestCurrentServesLastReading(t *testing.T) {
	bars := testBars()
	r := NewReader(bars)

	if got := r.Current(); got.HP != 0 || !got.CapturedAt.IsZero() {
		t.Fatalf("zero reader reading = %+v, want empty", got)
	}

	img := newVitalsFrame()
	paintBar(img, bars.HP, 60, hpRed)
	want := r.Analyze(img)

	if got := r.Current(); got != want {
		t.Fatalf("Current() = %+v, want the last analysis %+v", got, want)
	}
}
