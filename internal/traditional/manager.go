package traditional

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tantradev/kbot/internal/health"
	"github.com/tantradev/kbot/internal/skill"
	"github.com/tantradev/kbot/internal/utils"
)

// ==================================================================
// CONSTANTS
// ==================================================================

const (
	globalCooldown       = 150 * time.Millisecond // minimum gap between any two key presses
	defaultCheckInterval = time.Second            // per-skill reuse gate when the profile does not set one
	defaultCastTime      = 150 * time.Millisecond
)

type KeyPresser interface {
	PressKey(key string) error
}

type VitalsSource interface {
	Current() health.Vitals
}

// SkillUsage is the bookkeeping for one managed skill.
type SkillUsage struct {
	SkillName      string    `json:"skillName"`
	TotalUses      uint64    `json:"totalUses"`
	SuccessfulUses uint64    `json:"successfulUses"`
	FailedUses     uint64    `json:"failedUses"`
	SuccessRate    float64   `json:"successRate"`
	LastUsed       time.Time `json:"lastUsed"`
	BuffExpiresAt  time.Time `json:"buffExpiresAt"`
}

type managedSkill struct {
	def           skill.SlotDefinition
	lastUsed      time.Time
	buffExpiresAt time.Time
	totalUses     uint64
	successful    uint64
	failed        uint64
}

// Manager is the rule-based executor. It decides from timers and numeric
// vitals only, it never looks at pixels, which is exactly why it survives a
// broken capture path.
type Manager struct {
	logger *slog.Logger
	keys   KeyPresser
	vitals VitalsSource

	mu       sync.Mutex
	skills   map[string]*managedSkill
	ordered  []string
	rotation []string
	rotIdx   int
	lastUse  time.Time
}

func NewManager(logger *slog.Logger, keys KeyPresser, vitals VitalsSource) *Manager {
	return &Manager{
		logger: logger,
		keys:   keys,
		vitals: vitals,
		skills: make(map[string]*managedSkill),
	}
}

// LoadProfile rebuilds the managed skill table for a newly activated class.
// Usage history of the previous class is discarded with it.
func (m *Manager) LoadProfile(p *skill.ClassProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.skills = make(map[string]*managedSkill, len(p.Slots))
	m.ordered = m.ordered[:0]
	for _, def := range p.Slots {
		m.skills[def.SkillName] = &managedSkill{def: def}
		m.ordered = append(m.ordered, def.SkillName)
	}
	sort.Strings(m.ordered)

	m.rotation = p.Rotations["default"]
	m.rotIdx = 0
}

// Status reports the rule-based view of a skill using the shared status
// vocabulary.
func (m *Manager) Status(skillName string) (skill.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.skills[skillName]
	if !ok {
		return skill.StateUnknown, fmt.Errorf("%w: %q", skill.ErrSkillNotFound, skillName)
	}

	return m.statusLocked(ms), nil
}

func (m *Manager) statusLocked(ms *managedSkill) skill.Classification {
	if !ms.def.Enabled {
		return skill.StateUnavailable
	}
	if time.Since(m.lastUse) < globalCooldown {
		return skill.StateOnCooldown
	}
	if time.Since(ms.lastUsed) < checkInterval(ms.def) {
		return skill.StateOnCooldown
	}
	if ms.def.Type == skill.TypeBuff && time.Now().Before(ms.buffExpiresAt) {
		return skill.StateOnCooldown
	}
	if ms.def.ResourceCost > 0 && m.vitals != nil && m.vitals.Current().MP < ms.def.ResourceCost {
		return skill.StateUnavailable
	}

	return skill.StateReady
}

// Execute fires a skill by key press. Buffs are assumed to land, there is no
// pixel feedback on this path.
func (m *Manager) Execute(skillName string) (skill.Outcome, error) {
	m.mu.Lock()
	ms, ok := m.skills[skillName]
	if !ok {
		m.mu.Unlock()
		return skill.OutcomeFailedPrecondition, fmt.Errorf("%w: %q", skill.ErrSkillNotFound, skillName)
	}

	if st := m.statusLocked(ms); st != skill.StateReady {
		m.mu.Unlock()
		return skill.OutcomeFailedPrecondition, nil
	}

	key := ms.def.Key
	cast := ms.def.CastTime
	m.lastUse = time.Now()
	ms.lastUsed = m.lastUse
	ms.totalUses++
	m.mu.Unlock()

	if cast <= 0 {
		cast = defaultCastTime
	}

	if err := m.keys.PressKey(key); err != nil {
		m.mu.Lock()
		ms.failed++
		m.mu.Unlock()

		m.logger.Warn("Key press failed",
			slog.String("skill", skillName),
			slog.String("key", key),
			slog.Any("error", err),
		)

		return skill.OutcomeFailedVerification, nil
	}

	utils.Sleep(int(cast.Milliseconds()))

	m.mu.Lock()
	ms.successful++
	if ms.def.Type == skill.TypeBuff && ms.def.Duration > 0 {
		ms.buffExpiresAt = time.Now().Add(ms.def.Duration)
	}
	m.mu.Unlock()

	return skill.OutcomeSuccess, nil
}

// NextSkill picks what the rule-based rotation would cast now: expired buffs
// out of combat first, then the configured rotation, then the highest
// priority offensive skill, then auto attack.
func (m *Manager) NextSkill() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inCombat := m.vitals != nil && m.vitals.Current().TargetExists

	if !inCombat {
		for _, name := range m.ordered {
			ms := m.skills[name]
			if ms.def.Type == skill.TypeBuff && ms.def.Enabled && !time.Now().Before(ms.buffExpiresAt) && m.statusLocked(ms) == skill.StateReady {
				return name, true
			}
		}
	}

	if len(m.rotation) > 0 {
		for i := 0; i < len(m.rotation); i++ {
			name := m.rotation[(m.rotIdx+i)%len(m.rotation)]
			ms, ok := m.skills[name]
			if !ok || m.statusLocked(ms) != skill.StateReady {
				continue
			}
			m.rotIdx = (m.rotIdx + i + 1) % len(m.rotation)
			return name, true
		}
	}

	bestScore := -1
	bestName := ""
	for _, name := range m.ordered {
		ms := m.skills[name]
		if ms.def.Type != skill.TypeOffensive || m.statusLocked(ms) != skill.StateReady {
			continue
		}
		if ms.def.Priority > bestScore {
			bestScore = ms.def.Priority
			bestName = name
		}
	}
	if bestName != "" {
		return bestName, true
	}

	for _, name := range m.ordered {
		ms := m.skills[name]
		if ms.def.Type == skill.TypeAutoAttack && m.statusLocked(ms) == skill.StateReady {
			return name, true
		}
	}

	return "", false
}

// Usage snapshots the per-skill statistics, ordered by skill name.
func (m *Manager) Usage() []SkillUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SkillUsage, 0, len(m.ordered))
	for _, name := range m.ordered {
		ms := m.skills[name]
		u := SkillUsage{
			SkillName:      name,
			TotalUses:      ms.totalUses,
			SuccessfulUses: ms.successful,
			FailedUses:     ms.failed,
			LastUsed:       ms.lastUsed,
			BuffExpiresAt:  ms.buffExpiresAt,
		}
		if ms.totalUses > 0 {
			u.SuccessRate = float64(ms.successful) / float64(ms.totalUses)
		}
		out = append(out, u)
	}

	return out
}

// SkillCount reports how many skills the active profile manages.
func (m *Manager) SkillCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.skills)
}

func checkInterval(def skill.SlotDefinition) time.Duration {
	if def.CheckInterval > 0 {
		return def.CheckInterval
	}

	return defaultCheckInterval
}
