package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tantradev/kbot/internal/skill"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type visualStep struct {
	outcome skill.Outcome
	err     error
}

type fakeVisual struct {
	mu     sync.Mutex
	script []visualStep
	calls  int
}

func (f *fakeVisual) Execute(ctx context.Context, skillName string) (skill.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := visualStep{outcome: skill.OutcomeSuccess}
	if len(f.script) > 0 {
		step = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	f.calls++
	return step.outcome, step.err
}

func (f *fakeVisual) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTraditional struct {
	mu        sync.Mutex
	calls     int
	outcome   skill.Outcome
	status    skill.Classification
	statusErr error
	skills    int
}

func (f *fakeTraditional) Execute(skillName string) (skill.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.outcome, nil
}

func (f *fakeTraditional) Status(skillName string) (skill.Classification, error) {
	return f.status, f.statusErr
}

func (f *fakeTraditional) SkillCount() int { return f.skills }

func (f *fakeTraditional) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStates map[string]skill.SlotState

func (f fakeStates) State(name string) (skill.SlotState, bool) {
	st, ok := f[name]
	return st, ok
}

type fakeProfiles struct{ p *skill.ClassProfile }

func (f fakeProfiles) ActiveProfile() *skill.ClassProfile { return f.p }

type fakeTemplates struct{ usable int }

func (f fakeTemplates) UsableSlots() int { return f.usable }

type fixture struct {
	visual      *fakeVisual
	traditional *fakeTraditional
	states      fakeStates
	integrator  *Integrator
}

func newFixture(t *testing.T, cfg Config, mutate ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		visual:      &fakeVisual{},
		traditional: &fakeTraditional{outcome: skill.OutcomeSuccess, status: skill.StateReady, skills: 3},
		states:      fakeStates{},
	}
	profiles := fakeProfiles{p: &skill.ClassProfile{Class: skill.Nakayuda}}
	templates := fakeTemplates{usable: 3}
	for _, m := range mutate {
		m(f)
	}
	f.integrator = New(testLogger(), "test-session", f.visual, f.traditional, f.states, profiles, templates, nil, cfg)
	return f
}

func defaultConfig() Config {
	return Config{
		UseVisualSystem:       true,
		FallbackToTraditional: true,
		FailureThreshold:      3,
		FailureWindow:         30 * time.Second,
	}
}

func TestExecuteRoutesVisualWhenHealthy(t *testing.T) {
	f := newFixture(t, defaultConfig())

	outcome, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success", outcome, err)
	}
	if f.visual.callCount() != 1 {
		t.Fatalf("visual calls = %d, want 1", f.visual.callCount())
	}
	if f.traditional.callCount() != 0 {
		t.Fatalf("traditional calls = %d, want 0", f.traditional.callCount())
	}
}

func TestExecuteRoutesTraditionalWhenVisualOff(t *testing.T) {
	cfg := defaultConfig()
	cfg.UseVisualSystem = false
	f := newFixture(t, cfg)

	outcome, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success", outcome, err)
	}
	if f.visual.callCount() != 0 {
		t.Fatalf("visual calls = %d, want 0", f.visual.callCount())
	}
	if f.traditional.callCount() != 1 {
		t.Fatalf("traditional calls = %d, want 1", f.traditional.callCount())
	}
}

func TestExecuteRoutesTraditionalWithoutProfile(t *testing.T) {
	f := &fixture{
		visual:      &fakeVisual{},
		traditional: &fakeTraditional{outcome: skill.OutcomeSuccess, skills: 3},
		states:      fakeStates{},
	}
	f.integrator = New(testLogger(), "test-session", f.visual, f.traditional, f.states, fakeProfiles{}, fakeTemplates{usable: 3}, nil, defaultConfig())

	if _, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.visual.callCount() != 0 {
		t.Fatal("visual backend must not serve without a loaded profile")
	}
	if f.traditional.callCount() != 1 {
		t.Fatalf("traditional calls = %d, want 1", f.traditional.callCount())
	}
}

func TestExecuteRoutesTraditionalWithoutUsableTemplates(t *testing.T) {
	f := &fixture{
		visual:      &fakeVisual{},
		traditional: &fakeTraditional{outcome: skill.OutcomeSuccess, skills: 3},
		states:      fakeStates{},
	}
	f.integrator = New(testLogger(), "test-session", f.visual, f.traditional, f.states, fakeProfiles{p: &skill.ClassProfile{Class: skill.Nakayuda}}, fakeTemplates{usable: 0}, nil, defaultConfig())

	if _, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.visual.callCount() != 0 {
		t.Fatal("visual backend must not serve without usable templates")
	}
}

func TestExecuteFallsBackOnFailedVerification(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(f *fixture) {
		f.visual.script = []visualStep{{outcome: skill.OutcomeFailedVerification}}
	})

	outcome, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want traditional success in the same call", outcome, err)
	}
	if f.traditional.callCount() != 1 {
		t.Fatalf("traditional calls = %d, want 1", f.traditional.callCount())
	}
	if got := f.integrator.SystemInfo().RecentFailures; got != 1 {
		t.Fatalf("recent failures = %d, want 1", got)
	}
}

func TestExecutePreconditionDoesNotCountAsFailure(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(f *fixture) {
		f.visual.script = []visualStep{{outcome: skill.OutcomeFailedPrecondition}}
	})

	outcome, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want traditional shot in the same call", outcome, err)
	}
	if got := f.integrator.SystemInfo().RecentFailures; got != 0 {
		t.Fatalf("recent failures = %d, want 0 for a plain not-ready", got)
	}
}

func TestExecuteVisualErrorFallsBack(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(f *fixture) {
		f.visual.script = []visualStep{{outcome: skill.OutcomeFailedPrecondition, err: errors.New("capture failed")}}
	})

	outcome, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want traditional success", outcome, err)
	}
	if got := f.integrator.SystemInfo().RecentFailures; got != 1 {
		t.Fatalf("recent failures = %d, want 1", got)
	}
}

func TestExecuteNotFoundErrorDoesNotCount(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "skill not found", err: fmt.Errorf("%w: Meteor", skill.ErrSkillNotFound)},
		{name: "profile not loaded", err: fmt.Errorf("%w: vidya", skill.ErrProfileNotLoaded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultConfig(), func(f *fixture) {
				f.visual.script = []visualStep{{outcome: skill.OutcomeFailedPrecondition, err: tt.err}}
			})

			if _, err := f.integrator.ExecuteSkill(context.Background(), "Meteor"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.integrator.SystemInfo().RecentFailures; got != 0 {
				t.Fatalf("recent failures = %d, want 0 for a configuration miss", got)
			}
		})
	}
}

func TestFallbackLatchesAfterThreshold(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(f *fixture) {
		f.visual.script = []visualStep{{outcome: skill.OutcomeFailedVerification}}
	})

	for n := 0; n < 3; n++ {
		if _, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike"); err != nil {
			t.Fatalf("call %d: %v", n, err)
		}
	}

	info := f.integrator.SystemInfo()
	if !info.FallbackLatched {
		t.Fatal("fallback must latch at the failure threshold")
	}
	if info.Backend != "traditional" {
		t.Fatalf("backend = %q, want traditional", info.Backend)
	}

	visualBefore := f.visual.callCount()
	if _, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.visual.callCount() != visualBefore {
		t.Fatal("latched integrator must not touch the visual backend")
	}
}

func TestSetUseVisualSystemClearsLatch(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(f *fixture) {
		f.visual.script = []visualStep{
			{outcome: skill.OutcomeFailedVerification},
			{outcome: skill.OutcomeFailedVerification},
			{outcome: skill.OutcomeFailedVerification},
			{outcome: skill.OutcomeSuccess},
		}
	})

	for n := 0; n < 3; n++ {
		f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	}
	if !f.integrator.SystemInfo().FallbackLatched {
		t.Fatal("expected latched fallback")
	}

	f.integrator.SetUseVisualSystem(true)

	info := f.integrator.SystemInfo()
	if info.FallbackLatched {
		t.Fatal("re-enabling must clear the latch")
	}
	if info.RecentFailures != 0 {
		t.Fatalf("recent failures = %d, want cleared window", info.RecentFailures)
	}
	if info.Backend != "visual" {
		t.Fatalf("backend = %q, want visual", info.Backend)
	}

	outcome, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want visual success after re-enable", outcome, err)
	}
}

func TestNoFallbackWhenDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.FallbackToTraditional = false
	f := newFixture(t, cfg, func(f *fixture) {
		f.visual.script = []visualStep{{outcome: skill.OutcomeFailedVerification}}
	})

	outcome, err := f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != skill.OutcomeFailedVerification {
		t.Fatalf("outcome = %s, want the visual failure surfaced to the caller", outcome)
	}
	if f.traditional.callCount() != 0 {
		t.Fatalf("traditional calls = %d, want 0", f.traditional.callCount())
	}

	// Without a fallback target the latch must never engage.
	for n := 0; n < 5; n++ {
		f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	}
	if f.integrator.SystemInfo().FallbackLatched {
		t.Fatal("latch engaged with fallback disabled")
	}
}

func TestSkillStatusNormalization(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(f *fixture) {
		f.states["Power Strike"] = skill.SlotState{
			Slot:       1,
			SkillName:  "Power Strike",
			State:      skill.StateReady,
			Confidence: 0.91,
		}
	})

	st := f.integrator.SkillStatus("Power Strike")
	if st.System != "visual" || st.Status != "ready" || st.Slot != 1 {
		t.Fatalf("status = %+v, want visual/ready/slot 1", st)
	}

	// Unknown to the tracker, answered by the rule-based side.
	st = f.integrator.SkillStatus("Meteor")
	if st.System != "traditional" || st.Slot != -1 {
		t.Fatalf("status = %+v, want traditional with no slot", st)
	}

	f.traditional.statusErr = fmt.Errorf("%w: Meteor", skill.ErrSkillNotFound)
	st = f.integrator.SkillStatus("Meteor")
	if st.System != "none" || st.Status != "unknown" {
		t.Fatalf("status = %+v, want none/unknown", st)
	}
}

func TestSkillStatusUsesTraditionalWhenLatched(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(f *fixture) {
		f.visual.script = []visualStep{{outcome: skill.OutcomeFailedVerification}}
		f.states["Power Strike"] = skill.SlotState{Slot: 1, State: skill.StateReady}
		f.traditional.status = skill.StateOnCooldown
	})

	for n := 0; n < 3; n++ {
		f.integrator.ExecuteSkill(context.Background(), "Power Strike")
	}

	st := f.integrator.SkillStatus("Power Strike")
	if st.System != "traditional" || st.Status != "cooldown" {
		t.Fatalf("status = %+v, want the rule-based answer while latched", st)
	}
}

func TestSystemInfoShape(t *testing.T) {
	f := newFixture(t, defaultConfig())

	info := f.integrator.SystemInfo()
	if info.Backend != "visual" {
		t.Fatalf("backend = %q, want visual", info.Backend)
	}
	if !info.Visual.Available || !info.Visual.Configured || info.Visual.SkillsDetected != 3 {
		t.Fatalf("visual info = %+v", info.Visual)
	}
	if info.Visual.ActiveClass != "nakayuda" {
		t.Fatalf("active class = %q, want nakayuda", info.Visual.ActiveClass)
	}
	if !info.Traditional.Available || info.Traditional.SkillsDetected != 3 {
		t.Fatalf("traditional info = %+v", info.Traditional)
	}
	if info.FailureThreshold != 3 || info.FailureWindowSec != 30 {
		t.Fatalf("threshold info = %+v", info)
	}
}
