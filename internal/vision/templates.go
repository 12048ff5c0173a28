package vision

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"

	"github.com/tantradev/kbot/internal/skill"
)

// Candidate template scales, covering 1080p captures matched against
// templates grabbed at 1440p and the other way around.
var multiScales = []float64{0.8, 0.9, 1.0, 1.1, 1.2}

// slotTemplates holds the precomputed match variants for one slot. A slot
// whose reference images are missing or corrupt is marked broken and reports
// unavailable until its profile is reloaded.
type slotTemplates struct {
	def      skill.SlotDefinition
	icons    [][]*tplVariant // per configured template, per scale
	cooldown []*tplVariant
	broken   bool
	loadErr  error
}

// TemplateStore decodes and caches the reference images for the active
// profile. Contents are immutable between LoadProfile calls, detection
// goroutines share them without copying.
type TemplateStore struct {
	logger *slog.Logger

	mu     sync.RWMutex
	class  skill.Class
	slots  map[int]*slotTemplates
	cached int
	usable int
}

func NewTemplateStore(logger *slog.Logger) *TemplateStore {
	return &TemplateStore{
		logger: logger,
		slots:  make(map[int]*slotTemplates),
	}
}

// LoadProfile replaces the cached templates with the given profile's. Slots
// that fail to load are kept, marked broken, so the detector can pin them to
// unavailable instead of guessing.
func (s *TemplateStore) LoadProfile(p *skill.ClassProfile) (loaded, broken int) {
	scales := []float64{1.0}
	if p.UseMultiScale {
		scales = multiScales
	}

	slots := make(map[int]*slotTemplates, len(p.Slots))
	cached := 0
	for _, def := range p.Slots {
		st := &slotTemplates{def: def}

		for _, path := range def.Templates {
			variants, err := loadVariants(path, scales)
			if err != nil {
				st.broken = true
				st.loadErr = err
				break
			}
			st.icons = append(st.icons, variants)
			cached++
		}

		if !st.broken && def.CooldownTemplate != "" {
			variants, err := loadVariants(def.CooldownTemplate, scales)
			if err != nil {
				st.broken = true
				st.loadErr = err
			} else {
				st.cooldown = variants
				cached++
			}
		}

		if st.broken {
			broken++
			s.logger.Warn("Slot templates unusable, slot pinned to unavailable",
				slog.String("skill", def.SkillName),
				slog.Int("slot", def.Index),
				slog.Any("error", st.loadErr),
			)
		} else {
			loaded++
		}

		slots[def.Index] = st
	}

	s.mu.Lock()
	s.class = p.Class
	s.slots = slots
	s.cached = cached
	s.usable = loaded
	s.mu.Unlock()

	return loaded, broken
}

// UsableSlots is the number of slots whose templates all decoded, the slots
// the detector can actually classify.
func (s *TemplateStore) UsableSlots() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usable
}

func (s *TemplateStore) slot(index int) (*slotTemplates, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.slots[index]
	return st, ok
}

// CachedTemplates is the number of decoded reference images, all scale
// variants of one file count once.
func (s *TemplateStore) CachedTemplates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cached
}

// BrokenSlots lists the skills whose templates failed to load.
func (s *TemplateStore) BrokenSlots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, st := range s.slots {
		if st.broken {
			out = append(out, st.def.SkillName)
		}
	}

	return out
}

func loadVariants(path string, scales []float64) ([]*tplVariant, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}

	base := toGray(img)
	if base.Bounds().Dx() < 2 || base.Bounds().Dy() < 2 {
		return nil, fmt.Errorf("template %s: image too small", path)
	}

	variants := make([]*tplVariant, 0, len(scales))
	for _, scale := range scales {
		g := base
		if scale != 1.0 {
			g = scaleGray(base, scale)
			if g == nil {
				continue
			}
		}
		variants = append(variants, newTplVariant(grayFromImage(g), scale))
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("template %s: no usable scale variants", path)
	}

	return variants, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}

	g := image.NewGray(img.Bounds())
	draw.Draw(g, g.Bounds(), img, img.Bounds().Min, draw.Src)
	return g
}

func scaleGray(src *image.Gray, scale float64) *image.Gray {
	w := int(math.Round(float64(src.Bounds().Dx()) * scale))
	h := int(math.Round(float64(src.Bounds().Dy()) * scale))
	if w < 2 || h < 2 {
		return nil
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
