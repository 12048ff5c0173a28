package skill

import (
	"sort"
	"sync"
	"time"
)

// Tracker owns one state machine per slot of the active profile. Detector
// output is noisy, a classification is only committed after it has been seen
// for a configured number of consecutive cycles.
type Tracker struct {
	mu         sync.RWMutex
	debounce   int
	generation uint64
	slots      map[string]*slotRecord
}

type slotRecord struct {
	state           SlotState
	candidate       Classification
	candidateStreak int
}

func NewTracker(debounce int) *Tracker {
	if debounce < 1 {
		debounce = 1
	}

	return &Tracker{
		debounce: debounce,
		slots:    make(map[string]*slotRecord),
	}
}

// Reseed discards every tracked slot and seeds fresh ones for the given
// profile, all starting at unknown. It also advances the generation, so a
// detection cycle that started against the previous profile can never land
// its results here.
func (t *Tracker) Reseed(profile *ClassProfile) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
	t.slots = make(map[string]*slotRecord, len(profile.Slots))
	for _, def := range profile.Slots {
		t.slots[def.SkillName] = &slotRecord{
			state: SlotState{
				Slot:      def.Index,
				SkillName: def.SkillName,
				State:     StateUnknown,
			},
		}
	}
}

// Generation identifies the current set of tracked slots. Callers capture it
// before starting a detection cycle and hand it back to Apply, so results
// classified against a profile that was swapped out mid-cycle get dropped.
func (t *Tracker) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.generation
}

// Apply feeds one detection cycle into the per-slot machines. The whole batch
// is dropped when a reseed happened after gen was captured, and individual
// results for slots the tracker does not know are dropped too, they belong to
// a profile that was already discarded.
func (t *Tracker) Apply(gen uint64, results []DetectionResult) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.generation {
		return
	}

	for _, r := range results {
		rec, ok := t.slots[r.SkillName]
		if !ok {
			continue
		}

		rec.state.LastObserved = now
		rec.state.Confidence = r.Confidence

		if r.State == rec.state.State {
			rec.candidate = r.State
			rec.candidateStreak = 0
			rec.state.Streak++
			continue
		}

		if r.State == rec.candidate {
			rec.candidateStreak++
		} else {
			rec.candidate = r.State
			rec.candidateStreak = 1
		}

		rec.state.Streak = 0
		if rec.candidateStreak >= t.debounce {
			rec.state.State = r.State
			rec.state.Streak = t.debounce
			rec.candidateStreak = 0
		}
	}
}

// RecordExecution asserts the cooldown state the moment an execution is
// verified, without waiting for the overlay to be observed. Closes the gap
// where a just-used skill would still read as ready.
func (t *Tracker) RecordExecution(skillName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.slots[skillName]
	if !ok {
		return
	}

	rec.state.State = StateOnCooldown
	rec.state.LastExecuted = time.Now()
	rec.state.Streak = 0
	rec.candidate = StateOnCooldown
	rec.candidateStreak = 0
}

// State returns a copy of the last committed state for a skill. Never blocks
// on a detection cycle.
func (t *Tracker) State(skillName string) (SlotState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.slots[skillName]
	if !ok {
		return SlotState{}, false
	}

	return rec.state, true
}

// States snapshots every tracked slot, ordered by slot index.
func (t *Tracker) States() []SlotState {
	t.mu.RLock()
	out := make([]SlotState, 0, len(t.slots))
	for _, rec := range t.slots {
		out = append(out, rec.state)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })

	return out
}
