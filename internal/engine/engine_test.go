package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tantradev/kbot/internal/health"
	"github.com/tantradev/kbot/internal/skill"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubResolver map[string]skill.SlotDefinition

func (r stubResolver) ResolveSlot(name string) (skill.SlotDefinition, error) {
	def, ok := r[name]
	if !ok {
		return skill.SlotDefinition{}, fmt.Errorf("%w: %q", skill.ErrSkillNotFound, name)
	}
	return def, nil
}

type stubStates struct {
	mu       sync.Mutex
	states   map[string]skill.SlotState
	executed []string
}

func readyStates(names ...string) *stubStates {
	m := make(map[string]skill.SlotState, len(names))
	for _, n := range names {
		m[n] = skill.SlotState{SkillName: n, State: skill.StateReady}
	}
	return &stubStates{states: m}
}

func (s *stubStates) State(name string) (skill.SlotState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	return st, ok
}

func (s *stubStates) RecordExecution(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, name)
}

func (s *stubStates) executions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.executed))
	copy(out, s.executed)
	return out
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (d *stubDispatcher) TriggerSlot(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, index)
	return nil
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type probeStep struct {
	res skill.DetectionResult
	err error
}

// scriptedProbe replays a fixed sequence of probe outcomes, repeating the
// last step once the script runs out.
type scriptedProbe struct {
	mu     sync.Mutex
	script []probeStep
	i      int
}

func (p *scriptedProbe) ProbeSlot(index int) (skill.DetectionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := p.script[len(p.script)-1]
	if p.i < len(p.script) {
		step = p.script[p.i]
		p.i++
	}
	return step.res, step.err
}

// blockingProbe parks the first caller until released, used to hold an
// execution in flight.
type blockingProbe struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingProbe() *blockingProbe {
	return &blockingProbe{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *blockingProbe) ProbeSlot(index int) (skill.DetectionResult, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return skill.DetectionResult{State: skill.StateOnCooldown, Confidence: 0.9}, nil
}

type stubVitals struct{ v health.Vitals }

func (s stubVitals) Current() health.Vitals { return s.v }

func probeResult(state skill.Classification) probeStep {
	return probeStep{res: skill.DetectionResult{State: state, Confidence: 0.9}}
}

func testConfig() Config {
	return Config{
		Settle:     time.Millisecond,
		MaxRetries: 2,
		Timeout:    500 * time.Millisecond,
	}
}

func powerStrike() stubResolver {
	return stubResolver{"Power Strike": {Index: 1, SkillName: "Power Strike", Key: "1", ResourceCost: 20}}
}

func TestExecuteSuccess(t *testing.T) {
	states := readyStates("Power Strike")
	dispatch := &stubDispatcher{}
	probe := &scriptedProbe{script: []probeStep{probeResult(skill.StateOnCooldown)}}

	e := New(testLogger(), powerStrike(), states, dispatch, probe, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", outcome)
	}
	if dispatch.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", dispatch.count())
	}
	if got := states.executions(); len(got) != 1 || got[0] != "Power Strike" {
		t.Fatalf("recorded executions = %v, want [Power Strike]", got)
	}

	stats := e.Stats()
	if stats.TotalExecutions != 1 || stats.Successful != 1 {
		t.Fatalf("stats = %+v, want one successful execution", stats)
	}
	if stats.SuccessRate != 1.0 || stats.VerificationRate != 1.0 {
		t.Fatalf("rates = %v/%v, want 1.0/1.0", stats.SuccessRate, stats.VerificationRate)
	}

	hist := e.History()
	if len(hist) != 1 || hist[0].Outcome != "success" || hist[0].Attempts != 1 {
		t.Fatalf("history = %+v, want one success with one attempt", hist)
	}
}

func TestExecuteVerifiesAgainstUnavailable(t *testing.T) {
	// Some skills grey out instead of showing a sweep after use.
	states := readyStates("Power Strike")
	probe := &scriptedProbe{script: []probeStep{probeResult(skill.StateUnavailable)}}

	e := New(testLogger(), powerStrike(), states, &stubDispatcher{}, probe, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success", outcome, err)
	}
}

func TestExecuteSkillNotReady(t *testing.T) {
	states := &stubStates{states: map[string]skill.SlotState{
		"Power Strike": {SkillName: "Power Strike", State: skill.StateOnCooldown},
	}}
	dispatch := &stubDispatcher{}

	e := New(testLogger(), powerStrike(), states, dispatch, &scriptedProbe{script: []probeStep{probeResult(skill.StateReady)}}, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != skill.OutcomeFailedPrecondition {
		t.Fatalf("outcome = %s, want failed-precondition", outcome)
	}
	if dispatch.count() != 0 {
		t.Fatalf("dispatches = %d, want 0 when the slot is not ready", dispatch.count())
	}
	if e.Stats().FailedPrecondition != 1 {
		t.Fatalf("stats = %+v, want one failed precondition", e.Stats())
	}
}

func TestExecuteUnknownSkill(t *testing.T) {
	e := New(testLogger(), powerStrike(), readyStates(), &stubDispatcher{}, &scriptedProbe{script: []probeStep{probeResult(skill.StateReady)}}, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Meteor")
	if !errors.Is(err, skill.ErrSkillNotFound) {
		t.Fatalf("error = %v, want ErrSkillNotFound", err)
	}
	if outcome != skill.OutcomeFailedPrecondition {
		t.Fatalf("outcome = %s, want failed-precondition", outcome)
	}
}

func TestExecuteResourceGate(t *testing.T) {
	cfg := testConfig()
	cfg.EnforceResourceCost = true

	states := readyStates("Power Strike")
	dispatch := &stubDispatcher{}
	probe := &scriptedProbe{script: []probeStep{probeResult(skill.StateOnCooldown)}}

	e := New(testLogger(), powerStrike(), states, dispatch, probe, stubVitals{health.Vitals{MP: 10}}, cfg)

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeFailedPrecondition {
		t.Fatalf("outcome = %s err = %v, want failed-precondition on low mana", outcome, err)
	}
	if dispatch.count() != 0 {
		t.Fatalf("dispatches = %d, want 0", dispatch.count())
	}

	e = New(testLogger(), powerStrike(), states, dispatch, probe, stubVitals{health.Vitals{MP: 80}}, cfg)
	outcome, err = e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success with enough mana", outcome, err)
	}
}

func TestExecuteRetriesUntilVerified(t *testing.T) {
	states := readyStates("Power Strike")
	dispatch := &stubDispatcher{}
	probe := &scriptedProbe{script: []probeStep{
		probeResult(skill.StateReady),
		probeResult(skill.StateReady),
		probeResult(skill.StateOnCooldown),
	}}

	e := New(testLogger(), powerStrike(), states, dispatch, probe, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success after retries", outcome, err)
	}
	if dispatch.count() != 3 {
		t.Fatalf("dispatches = %d, want 3", dispatch.count())
	}
	if got := e.Stats().Retries; got != 2 {
		t.Fatalf("retries = %d, want 2", got)
	}
}

func TestExecuteFailedVerification(t *testing.T) {
	states := readyStates("Power Strike")
	probe := &scriptedProbe{script: []probeStep{probeResult(skill.StateReady)}}

	e := New(testLogger(), powerStrike(), states, &stubDispatcher{}, probe, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != skill.OutcomeFailedVerification {
		t.Fatalf("outcome = %s, want failed-verification after retry exhaustion", outcome)
	}
	if len(states.executions()) != 0 {
		t.Fatal("unverified execution must not be recorded as done")
	}
	if e.Stats().Failed != 1 {
		t.Fatalf("stats = %+v, want one failure", e.Stats())
	}
}

func TestExecuteSurvivesProbeErrors(t *testing.T) {
	states := readyStates("Power Strike")
	probe := &scriptedProbe{script: []probeStep{
		{err: errors.New("capture failed")},
		probeResult(skill.StateOnCooldown),
	}}

	e := New(testLogger(), powerStrike(), states, &stubDispatcher{}, probe, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success after a probe error", outcome, err)
	}
}

func TestExecuteDispatchFailuresExhaustRetries(t *testing.T) {
	states := readyStates("Power Strike")
	dispatch := &stubDispatcher{err: errors.New("window gone")}

	e := New(testLogger(), powerStrike(), states, dispatch, &scriptedProbe{script: []probeStep{probeResult(skill.StateOnCooldown)}}, nil, testConfig())

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != skill.OutcomeFailedVerification {
		t.Fatalf("outcome = %s, want failed-verification", outcome)
	}

	hist := e.History()
	if len(hist) != 1 || hist[0].Attempts != 0 {
		t.Fatalf("history = %+v, want one record with zero landed dispatches", hist)
	}
}

func TestExecuteSingleFlightPerSkill(t *testing.T) {
	states := readyStates("Power Strike")
	dispatch := &stubDispatcher{}
	probe := newBlockingProbe()

	e := New(testLogger(), powerStrike(), states, dispatch, probe, nil, testConfig())

	done := make(chan skill.Outcome, 1)
	go func() {
		outcome, _ := e.Execute(context.Background(), "Power Strike")
		done <- outcome
	}()

	<-probe.entered
	if got := e.InFlight(); got != 1 {
		t.Fatalf("in flight = %d, want 1", got)
	}

	// Same skill while in flight bounces without dispatching.
	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeFailedPrecondition {
		t.Fatalf("outcome = %s err = %v, want immediate failed-precondition", outcome, err)
	}
	if dispatch.count() != 1 {
		t.Fatalf("dispatches = %d, want only the in-flight one", dispatch.count())
	}

	close(probe.release)
	if got := <-done; got != skill.OutcomeSuccess {
		t.Fatalf("in-flight outcome = %s, want success", got)
	}
	if got := e.InFlight(); got != 0 {
		t.Fatalf("in flight after completion = %d, want 0", got)
	}
}

func TestExecuteTimesOutDuringSettle(t *testing.T) {
	cfg := testConfig()
	cfg.Settle = 200 * time.Millisecond
	cfg.Timeout = 30 * time.Millisecond

	states := readyStates("Power Strike")
	e := New(testLogger(), powerStrike(), states, &stubDispatcher{}, &scriptedProbe{script: []probeStep{probeResult(skill.StateOnCooldown)}}, nil, cfg)

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != skill.OutcomeTimedOut {
		t.Fatalf("outcome = %s, want timed-out", outcome)
	}
	if e.Stats().TimedOut != 1 {
		t.Fatalf("stats = %+v, want one timeout", e.Stats())
	}
}

func TestQuiesceBlocksAndResumeLifts(t *testing.T) {
	states := readyStates("Power Strike")
	dispatch := &stubDispatcher{}
	probe := &scriptedProbe{script: []probeStep{probeResult(skill.StateOnCooldown)}}

	e := New(testLogger(), powerStrike(), states, dispatch, probe, nil, testConfig())

	if err := e.Quiesce(context.Background()); err != nil {
		t.Fatalf("quiesce with nothing in flight: %v", err)
	}

	outcome, err := e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeFailedPrecondition {
		t.Fatalf("outcome = %s err = %v, want failed-precondition while gated", outcome, err)
	}
	if dispatch.count() != 0 {
		t.Fatalf("dispatches while gated = %d, want 0", dispatch.count())
	}

	e.Resume()
	outcome, err = e.Execute(context.Background(), "Power Strike")
	if err != nil || outcome != skill.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success after resume", outcome, err)
	}
}

func TestQuiesceWaitsForInFlight(t *testing.T) {
	states := readyStates("Power Strike")
	probe := newBlockingProbe()

	e := New(testLogger(), powerStrike(), states, &stubDispatcher{}, probe, nil, testConfig())

	go e.Execute(context.Background(), "Power Strike")
	<-probe.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Quiesce(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("quiesce with stuck execution = %v, want deadline exceeded", err)
	}

	close(probe.release)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := e.Quiesce(ctx2); err != nil {
		t.Fatalf("quiesce after release: %v", err)
	}
	e.Resume()
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	states := readyStates("Power Strike")
	probe := &scriptedProbe{script: []probeStep{probeResult(skill.StateOnCooldown)}}

	cfg := testConfig()
	cfg.Settle = 0

	e := New(testLogger(), powerStrike(), states, &stubDispatcher{}, probe, nil, cfg)

	for i := 0; i < historyLimit+5; i++ {
		if _, err := e.Execute(context.Background(), "Power Strike"); err != nil {
			t.Fatalf("execution %d: %v", i, err)
		}
	}

	hist := e.History()
	if len(hist) != historyLimit {
		t.Fatalf("history length = %d, want %d", len(hist), historyLimit)
	}
	if got := e.Stats().TotalExecutions; got != uint64(historyLimit+5) {
		t.Fatalf("total executions = %d, want %d", got, historyLimit+5)
	}
}
