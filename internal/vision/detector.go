package vision

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tantradev/kbot/internal/skill"
)

const (
	darkPixelMax   = 100 // gray level at or below this counts as cooldown shadow
	darkOverlayMin = 0.6 // dark share that reads as an active cooldown sweep
	dimRatioMax    = 0.7 // matched/template brightness below this reads as greyed out
	brightRatioMin = 0.9 // brightness ratio above this confirms a lit icon
	maxBarSlots    = 10  // hotbar positions on the number row
)

// Detector classifies skill bar slots against the template store. Detection
// is read-only, everything it learns is handed back by return value.
type Detector struct {
	logger *slog.Logger
	store  *TemplateStore

	mu         sync.Mutex
	detections uint64
	totalTime  time.Duration
}

type Stats struct {
	TotalDetections    uint64  `json:"totalDetections"`
	AvgDetectionTimeMs float64 `json:"avgDetectionTimeMs"`
	TemplatesCached    int     `json:"templatesCached"`
}

func NewDetector(logger *slog.Logger, store *TemplateStore) *Detector {
	return &Detector{logger: logger, store: store}
}

// Detect classifies every slot of the profile against a captured skill bar
// image.
func (d *Detector) Detect(bar *image.RGBA, p *skill.ClassProfile) []skill.DetectionResult {
	start := time.Now()

	gray := grayFromImage(bar)
	slotW := gray.w / maxBarSlots

	results := make([]skill.DetectionResult, 0, len(p.Slots))
	for _, def := range p.Slots {
		results = append(results, d.classifySlot(gray, slotW, def, p))
	}

	d.note(time.Since(start), uint64(len(p.Slots)))

	return results
}

// DetectSlot re-classifies a single slot, used by the execution verifier so a
// settle check does not pay for a full bar pass.
func (d *Detector) DetectSlot(bar *image.RGBA, p *skill.ClassProfile, index int) (skill.DetectionResult, error) {
	def, ok := p.SlotByIndex(index)
	if !ok {
		return skill.DetectionResult{}, fmt.Errorf("%w: slot %d not in profile %s", skill.ErrSkillNotFound, index, p.Class)
	}

	start := time.Now()
	gray := grayFromImage(bar)
	res := d.classifySlot(gray, gray.w/maxBarSlots, def, p)
	d.note(time.Since(start), 1)

	return res, nil
}

func (d *Detector) classifySlot(bar *grayImage, slotW int, def skill.SlotDefinition, p *skill.ClassProfile) skill.DetectionResult {
	res := skill.DetectionResult{Slot: def.Index, SkillName: def.SkillName, State: skill.StateUnknown, Scale: 1}

	st, ok := d.store.slot(def.Index)
	if !ok || st.broken {
		res.State = skill.StateUnavailable
		return res
	}
	if slotW < 4 || def.Index*slotW >= bar.w {
		return res
	}

	region := bar.crop(def.Index*slotW, 0, slotW, bar.h)
	search := newSearchRegion(region)

	var (
		bestConf     = math.Inf(-1)
		bestX, bestY int
		bestW, bestH int
		bestScale    = 1.0
		bestTpl      int
		bestMean     float64
		matched      bool
	)
	// strictly-greater keeps the lowest template index on exact ties
	for ti, variants := range st.icons {
		for _, v := range variants {
			conf, x, y, ok := search.match(v)
			if !ok {
				continue
			}
			if conf > bestConf {
				bestConf, bestX, bestY = conf, x, y
				bestW, bestH = v.g.w, v.g.h
				bestScale = v.scale
				bestTpl = ti
				bestMean = v.mean
				matched = true
			}
		}
	}

	if !matched {
		res.State = skill.StateUnavailable
		return res
	}

	res.Confidence = bestConf
	res.Scale = bestScale
	res.Template = bestTpl

	// An explicit overlay template outranks the icon match: a deep cooldown
	// sweep can degrade the icon below any other threshold.
	if st.cooldown != nil {
		for _, v := range st.cooldown {
			if conf, _, _, ok := search.match(v); ok && conf >= p.CooldownThreshold(def) {
				res.State = skill.StateOnCooldown
				res.Confidence = conf
				res.Scale = v.scale
				return res
			}
		}
	}

	if bestConf < p.Thresholds.MinConfidence {
		res.State = skill.StateUnavailable
		return res
	}

	if st.cooldown == nil {
		dark := region.darkFraction(bestX, bestY, bestW, bestH, darkPixelMax)
		if dark > darkOverlayMin {
			res.State = skill.StateOnCooldown
			res.Confidence = math.Min(dark, p.CooldownThreshold(def)+0.2)
			return res
		}
	}

	ratio := 1.0
	if bestMean > 0 {
		ratio = region.meanRect(bestX, bestY, bestW, bestH) / bestMean
	}
	if ratio < dimRatioMax {
		res.State = skill.StateOnCooldown
		return res
	}

	if bestConf >= p.ReadyThreshold(def) && ratio > brightRatioMin {
		res.State = skill.StateReady
	}

	return res
}

func (d *Detector) note(took time.Duration, slots uint64) {
	d.mu.Lock()
	d.detections += slots
	d.totalTime += took
	d.mu.Unlock()
}

func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		TotalDetections: d.detections,
		TemplatesCached: d.store.CachedTemplates(),
	}
	if d.detections > 0 {
		s.AvgDetectionTimeMs = float64(d.totalTime.Milliseconds()) / float64(d.detections)
	}

	return s
}
