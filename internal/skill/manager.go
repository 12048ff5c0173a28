package skill

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager holds one profile per configured class and tracks which one is
// active. Profiles are read-only, switching swaps the active pointer.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	profiles map[Class]*ClassProfile
	active   *ClassProfile
}

func NewManager(logger *slog.Logger, profiles map[Class]*ClassProfile) *Manager {
	return &Manager{
		logger:   logger,
		profiles: profiles,
	}
}

// ActiveProfile returns the current profile, nil before the first switch.
func (m *Manager) ActiveProfile() *ClassProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.active
}

// SetActiveClass makes the named class current and returns its profile. The
// caller is responsible for reseeding tracked slot state before detection
// resumes against the new profile.
func (m *Manager) SetActiveClass(id string) (*ClassProfile, error) {
	class, err := ClassFromString(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotLoaded, class)
	}

	m.active = profile
	m.logger.Info("Active class changed",
		slog.String("class", string(class)),
		slog.String("archetype", class.Archetype()),
		slog.Int("slots", len(profile.Slots)),
	)

	return profile, nil
}

// ReplaceProfiles swaps the loaded profile set after a config reload. The
// active pointer keeps serving the old snapshot until SetActiveClass is
// called again.
func (m *Manager) ReplaceProfiles(profiles map[Class]*ClassProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles = profiles
}

// ResolveSlot maps a skill name to its slot in the active profile.
func (m *Manager) ResolveSlot(skillName string) (SlotDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return SlotDefinition{}, fmt.Errorf("%w: no active class", ErrProfileNotLoaded)
	}

	def, ok := m.active.Slot(skillName)
	if !ok {
		return SlotDefinition{}, fmt.Errorf("%w: %q in class %s", ErrSkillNotFound, skillName, m.active.Class)
	}

	return def, nil
}

// LoadedClasses lists the classes a profile document was loaded for.
func (m *Manager) LoadedClasses() []Class {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Class, 0, len(m.profiles))
	for c := range m.profiles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
