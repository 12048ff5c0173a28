package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidSchema marks class documents (and main config values) that fail
// validation. Bad documents are rejected whole, they are never patched up
// with defaults.
var ErrInvalidSchema = errors.New("invalid config schema")

const classSchemaMajor = "3"

// ClassConfig is one per-class document under config/classes. Schema v3:
// unknown fields fail closed with ErrInvalidSchema.
type ClassConfig struct {
	Version   string              `json:"version"`
	ClassID   string              `json:"classId"`
	Region    Region              `json:"region"`
	Detection ClassDetection      `json:"detection"`
	Slots     []SlotConfig        `json:"slots"`
	Rotations map[string][]string `json:"rotations"`
}

type ClassDetection struct {
	TemplateThreshold float64 `json:"templateThreshold"`
	CooldownThreshold float64 `json:"cooldownThreshold"`
	MinConfidence     float64 `json:"minConfidence"`
	UseMultiScale     bool    `json:"useMultiScale"`
}

type SlotConfig struct {
	Index            int             `json:"index"`
	SkillName        string          `json:"skillName"`
	Key              string          `json:"key"`
	Templates        []string        `json:"templates"`
	CooldownTemplate string          `json:"cooldownTemplate"`
	ResourceCost     int             `json:"resourceCost"`
	Thresholds       *SlotThresholds `json:"thresholds"`
	Type             string          `json:"type"`
	Priority         int             `json:"priority"`
	CheckIntervalMs  int             `json:"checkIntervalMs"`
	CastTimeMs       int             `json:"castTimeMs"`
	DurationMs       int             `json:"durationMs"`
	Enabled          *bool           `json:"enabled"`
}

// SlotEnabled reports whether the slot takes part in scanning and execution.
// Documents that leave the field out get an enabled slot.
func (s *SlotConfig) SlotEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SlotThresholds overrides the class-wide detection thresholds for one slot.
type SlotThresholds struct {
	Ready    float64 `json:"ready"`
	Cooldown float64 `json:"cooldown"`
}

// Skill types understood by the rule-based executor.
const (
	SkillTypeOffensive  = "offensive"
	SkillTypeBuff       = "buff"
	SkillTypeAutoAttack = "auto_attack"
	SkillTypeAssist     = "assist"
)

type ClassStore struct {
	dir string
}

func NewClassStore(dir string) *ClassStore {
	if dir == "" {
		dir = filepath.Join(baseDir, "classes")
	}

	return &ClassStore{dir: dir}
}

// Load parses and validates a single class document.
func (s *ClassStore) Load(classID string) (*ClassConfig, error) {
	path := filepath.Join(s.dir, classID+".json")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening class config %s: %w", path, err)
	}
	defer f.Close()

	d := json.NewDecoder(f)
	d.DisallowUnknownFields()

	cfg := &ClassConfig{}
	if err = d.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, path, err)
	}

	if err = validateClassConfig(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// LoadAll parses every class document in the store directory. Documents that
// fail validation land in failed keyed by class id and never abort the rest,
// a broken profile only disables that class.
func (s *ClassStore) LoadAll() (map[string]*ClassConfig, map[string]error, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading class config directory %s: %w", s.dir, err)
	}

	cfgs := make(map[string]*ClassConfig)
	failed := make(map[string]error)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		classID := strings.TrimSuffix(e.Name(), ".json")
		cfg, err := s.Load(classID)
		if err != nil {
			failed[classID] = err
			continue
		}
		cfgs[classID] = cfg
	}

	return cfgs, failed, nil
}

func validateClassConfig(cfg *ClassConfig) error {
	major, _, _ := strings.Cut(cfg.Version, ".")
	if major != classSchemaMajor {
		return fmt.Errorf("%w: unsupported schema version %q", ErrInvalidSchema, cfg.Version)
	}
	if cfg.ClassID == "" {
		return fmt.Errorf("%w: missing classId", ErrInvalidSchema)
	}
	if cfg.Region.W <= 0 || cfg.Region.H <= 0 {
		return fmt.Errorf("%w: skill bar region must have positive size", ErrInvalidSchema)
	}
	if len(cfg.Slots) == 0 {
		return fmt.Errorf("%w: class %s has no slots", ErrInvalidSchema, cfg.ClassID)
	}

	seenIdx := make(map[int]bool, len(cfg.Slots))
	seenName := make(map[string]bool, len(cfg.Slots))
	for i := range cfg.Slots {
		slot := &cfg.Slots[i]
		if slot.Index < 0 || slot.Index > 9 {
			return fmt.Errorf("%w: slot index %d out of range", ErrInvalidSchema, slot.Index)
		}
		if seenIdx[slot.Index] {
			return fmt.Errorf("%w: duplicate slot index %d", ErrInvalidSchema, slot.Index)
		}
		seenIdx[slot.Index] = true

		if slot.SkillName == "" {
			return fmt.Errorf("%w: slot %d is missing skillName", ErrInvalidSchema, slot.Index)
		}
		if seenName[slot.SkillName] {
			return fmt.Errorf("%w: duplicate skill name %q", ErrInvalidSchema, slot.SkillName)
		}
		seenName[slot.SkillName] = true

		if len(slot.Templates) == 0 {
			return fmt.Errorf("%w: slot %q has no templates", ErrInvalidSchema, slot.SkillName)
		}
		if slot.Key == "" {
			slot.Key = defaultSlotKey(slot.Index)
		}
		if slot.Thresholds != nil {
			if slot.Thresholds.Ready <= 0 || slot.Thresholds.Ready > 1 {
				return fmt.Errorf("%w: slot %q ready threshold out of range", ErrInvalidSchema, slot.SkillName)
			}
			if slot.Thresholds.Cooldown <= 0 || slot.Thresholds.Cooldown > 1 {
				return fmt.Errorf("%w: slot %q cooldown threshold out of range", ErrInvalidSchema, slot.SkillName)
			}
		}
		switch slot.Type {
		case "", SkillTypeOffensive, SkillTypeBuff, SkillTypeAutoAttack, SkillTypeAssist:
		default:
			return fmt.Errorf("%w: slot %q has unknown type %q", ErrInvalidSchema, slot.SkillName, slot.Type)
		}
	}

	for name, rotation := range cfg.Rotations {
		for _, sk := range rotation {
			if !seenName[sk] {
				return fmt.Errorf("%w: rotation %q references unknown skill %q", ErrInvalidSchema, name, sk)
			}
		}
	}

	return nil
}

// Skill bar slots are driven by the number row: slots 0-8 map to keys 1-9 and
// slot 9 maps to key 0.
func defaultSlotKey(index int) string {
	if index == 9 {
		return "0"
	}

	return string(rune('1' + index))
}
