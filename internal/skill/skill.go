package skill

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sort"
	"time"

	"github.com/tantradev/kbot/internal/config"
)

var (
	ErrUnknownClass     = errors.New("unknown character class")
	ErrProfileNotLoaded = errors.New("no profile loaded for class")
	ErrSkillNotFound    = errors.New("skill not bound to any slot")
)

// Class is one of the eight playable character classes.
type Class string

const (
	Nakayuda Class = "nakayuda"
	Abikara  Class = "abikara"
	Banar    Class = "banar"
	Druka    Class = "druka"
	Karya    Class = "karya"
	Samabat  Class = "samabat"
	Satya    Class = "satya"
	Vidya    Class = "vidya"
)

var Classes = []Class{Nakayuda, Abikara, Banar, Druka, Karya, Samabat, Satya, Vidya}

var archetypes = map[Class]string{
	Nakayuda: "warrior",
	Abikara:  "mage",
	Banar:    "priest",
	Druka:    "rogue",
	Karya:    "archer",
	Samabat:  "summoner",
	Satya:    "priest",
	Vidya:    "monk",
}

func ClassFromString(s string) (Class, error) {
	c := Class(s)
	if _, ok := archetypes[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}

	return c, nil
}

// Archetype names the playstyle of the class, only used for diagnostics.
func (c Class) Archetype() string {
	return archetypes[c]
}

// Classification is the visual state of one skill bar slot.
type Classification uint8

const (
	StateUnknown Classification = iota
	StateReady
	StateOnCooldown
	StateUnavailable
)

func (c Classification) String() string {
	switch c {
	case StateReady:
		return "ready"
	case StateOnCooldown:
		return "cooldown"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the classification by name, diagnostics consumers
// never see the numeric value.
func (c Classification) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Skill archetypes used by the rule-based executor.
const (
	TypeOffensive  = "offensive"
	TypeBuff       = "buff"
	TypeAutoAttack = "auto_attack"
	TypeAssist     = "assist"
)

// SlotDefinition binds one skill bar position to a skill for the active
// class. Immutable once the profile is built.
type SlotDefinition struct {
	Index             int
	SkillName         string
	Key               string
	Templates         []string
	CooldownTemplate  string
	ResourceCost      int
	ReadyThreshold    float64 // 0 means use the profile threshold
	CooldownThreshold float64 // 0 means use the profile threshold
	Type              string
	Priority          int
	CheckInterval     time.Duration
	CastTime          time.Duration
	Duration          time.Duration
	Enabled           bool
}

// Thresholds are the class-wide detection confidence cut-offs.
type Thresholds struct {
	Ready         float64
	Cooldown      float64
	MinConfidence float64
}

// ClassProfile is the full slot layout for one class. Read-only after load,
// replaced wholesale on class switch.
type ClassProfile struct {
	Class         Class
	Region        image.Rectangle
	Thresholds    Thresholds
	UseMultiScale bool
	Slots         []SlotDefinition
	Rotations     map[string][]string

	byName  map[string]int
	byIndex map[int]int
}

// ProfileFromConfig builds an immutable profile from a validated class
// document. Zero-valued detection settings fall back to the supplied
// defaults.
func ProfileFromConfig(cc *config.ClassConfig, defaults Thresholds, multiScale bool) (*ClassProfile, error) {
	class, err := ClassFromString(cc.ClassID)
	if err != nil {
		return nil, err
	}

	p := &ClassProfile{
		Class:         class,
		Region:        image.Rect(cc.Region.X, cc.Region.Y, cc.Region.X+cc.Region.W, cc.Region.Y+cc.Region.H),
		Thresholds:    defaults,
		UseMultiScale: multiScale,
		Rotations:     cc.Rotations,
		byName:        make(map[string]int, len(cc.Slots)),
		byIndex:       make(map[int]int, len(cc.Slots)),
	}

	if cc.Detection.TemplateThreshold > 0 {
		p.Thresholds.Ready = cc.Detection.TemplateThreshold
	}
	if cc.Detection.CooldownThreshold > 0 {
		p.Thresholds.Cooldown = cc.Detection.CooldownThreshold
	}
	if cc.Detection.MinConfidence > 0 {
		p.Thresholds.MinConfidence = cc.Detection.MinConfidence
	}
	if cc.Detection.UseMultiScale {
		p.UseMultiScale = true
	}

	p.Slots = make([]SlotDefinition, 0, len(cc.Slots))
	for _, sc := range cc.Slots {
		def := SlotDefinition{
			Index:            sc.Index,
			SkillName:        sc.SkillName,
			Key:              sc.Key,
			Templates:        sc.Templates,
			CooldownTemplate: sc.CooldownTemplate,
			ResourceCost:     sc.ResourceCost,
			Type:             sc.Type,
			Priority:         sc.Priority,
			CheckInterval:    time.Duration(sc.CheckIntervalMs) * time.Millisecond,
			CastTime:         time.Duration(sc.CastTimeMs) * time.Millisecond,
			Duration:         time.Duration(sc.DurationMs) * time.Millisecond,
			Enabled:          sc.SlotEnabled(),
		}
		if sc.Thresholds != nil {
			def.ReadyThreshold = sc.Thresholds.Ready
			def.CooldownThreshold = sc.Thresholds.Cooldown
		}
		p.Slots = append(p.Slots, def)
	}

	sort.Slice(p.Slots, func(i, j int) bool { return p.Slots[i].Index < p.Slots[j].Index })
	for i := range p.Slots {
		p.byName[p.Slots[i].SkillName] = i
		p.byIndex[p.Slots[i].Index] = i
	}

	return p, nil
}

func (p *ClassProfile) Slot(skillName string) (SlotDefinition, bool) {
	i, ok := p.byName[skillName]
	if !ok {
		return SlotDefinition{}, false
	}

	return p.Slots[i], true
}

func (p *ClassProfile) SlotByIndex(index int) (SlotDefinition, bool) {
	i, ok := p.byIndex[index]
	if !ok {
		return SlotDefinition{}, false
	}

	return p.Slots[i], true
}

// ReadyThreshold resolves the effective ready confidence cut-off for a slot.
func (p *ClassProfile) ReadyThreshold(def SlotDefinition) float64 {
	if def.ReadyThreshold > 0 {
		return def.ReadyThreshold
	}

	return p.Thresholds.Ready
}

func (p *ClassProfile) CooldownThreshold(def SlotDefinition) float64 {
	if def.CooldownThreshold > 0 {
		return def.CooldownThreshold
	}

	return p.Thresholds.Cooldown
}

// DetectionResult is the outcome of classifying a single slot in one frame.
// Consumed by the tracker in the same cycle, never stored.
type DetectionResult struct {
	Slot       int
	SkillName  string
	State      Classification
	Confidence float64
	Scale      float64
	Template   int
}

// SlotState is the tracked, debounced state of one slot. Callers always get
// copies, the tracker owns the live value.
type SlotState struct {
	Slot         int            `json:"slot"`
	SkillName    string         `json:"skillName"`
	State        Classification `json:"state"`
	Confidence   float64        `json:"confidence"`
	LastObserved time.Time      `json:"lastObserved"`
	Streak       int            `json:"streak"`
	LastExecuted time.Time      `json:"lastExecuted"`
}

// Outcome is the result of an execution request. Failures are values handed
// back to the caller, never panics.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailedPrecondition
	OutcomeFailedVerification
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailedPrecondition:
		return "failed-precondition"
	case OutcomeFailedVerification:
		return "failed-verification"
	case OutcomeTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}
