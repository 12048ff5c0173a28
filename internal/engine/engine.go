package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tantradev/kbot/internal/health"
	"github.com/tantradev/kbot/internal/skill"
)

// ==================================================================
// CONSTANTS
// ==================================================================

const (
	retryPause   = 100 * time.Millisecond // pause between verification retries
	quiescePoll  = 10 * time.Millisecond  // in-flight drain poll interval
	historyLimit = 100                    // kept execution records
)

type SlotResolver interface {
	ResolveSlot(skillName string) (skill.SlotDefinition, error)
}

type StateSource interface {
	State(skillName string) (skill.SlotState, bool)
	RecordExecution(skillName string)
}

// Dispatcher fires the input bound to a slot. Fire and forget, the engine
// only learns the result through the follow-up probe.
type Dispatcher interface {
	TriggerSlot(index int) error
}

// Prober re-captures and classifies a single slot for verification.
type Prober interface {
	ProbeSlot(index int) (skill.DetectionResult, error)
}

type VitalsSource interface {
	Current() health.Vitals
}

type Config struct {
	Settle              time.Duration
	MaxRetries          int
	Timeout             time.Duration
	GlobalCooldown      time.Duration
	EnforceResourceCost bool
}

// Record is one finished execution request.
type Record struct {
	ID       string    `json:"id"`
	Skill    string    `json:"skill"`
	Outcome  string    `json:"outcome"`
	Attempts int       `json:"attempts"`
	TookMs   int64     `json:"tookMs"`
	At       time.Time `json:"at"`
}

type Stats struct {
	TotalExecutions    uint64  `json:"totalExecutions"`
	Successful         uint64  `json:"successfulExecutions"`
	Failed             uint64  `json:"failedExecutions"`
	FailedPrecondition uint64  `json:"failedPrecondition"`
	TimedOut           uint64  `json:"timedOut"`
	Verified           uint64  `json:"verifiedExecutions"`
	Retries            uint64  `json:"retryCount"`
	InFlight           int     `json:"inFlight"`
	AvgExecutionMs     float64 `json:"avgExecutionTimeMs"`
	SuccessRate        float64 `json:"successRate"`
	VerificationRate   float64 `json:"verificationRate"`
}

// Engine turns execution requests into verified key presses. At most one
// request per skill is in flight, a second caller for the same skill is
// bounced immediately instead of queueing stale triggers.
type Engine struct {
	logger   *slog.Logger
	resolver SlotResolver
	states   StateSource
	dispatch Dispatcher
	probe    Prober
	vitals   VitalsSource
	cfg      Config

	mu           sync.Mutex
	inflight     map[string]bool
	gated        bool
	lastDispatch time.Time
	stats        Stats
	totalTime    time.Duration
	history      []Record
}

func New(logger *slog.Logger, resolver SlotResolver, states StateSource, dispatch Dispatcher, probe Prober, vitals VitalsSource, cfg Config) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Engine{
		logger:   logger,
		resolver: resolver,
		states:   states,
		dispatch: dispatch,
		probe:    probe,
		vitals:   vitals,
		cfg:      cfg,
		inflight: make(map[string]bool),
	}
}

// Execute runs one request through the precondition, dispatch, settle and
// verify pipeline. Concurrent callers for different skills proceed
// independently.
func (e *Engine) Execute(ctx context.Context, skillName string) (skill.Outcome, error) {
	started := time.Now()

	def, err := e.resolver.ResolveSlot(skillName)
	if err != nil {
		return skill.OutcomeFailedPrecondition, err
	}

	st, ok := e.states.State(skillName)
	if !ok || st.State != skill.StateReady {
		e.record(skillName, skill.OutcomeFailedPrecondition, 0, started)
		return skill.OutcomeFailedPrecondition, nil
	}

	if e.cfg.EnforceResourceCost && def.ResourceCost > 0 && e.vitals != nil {
		if e.vitals.Current().MP < def.ResourceCost {
			e.record(skillName, skill.OutcomeFailedPrecondition, 0, started)
			return skill.OutcomeFailedPrecondition, nil
		}
	}

	if !e.tryBegin(skillName) {
		e.record(skillName, skill.OutcomeFailedPrecondition, 0, started)
		return skill.OutcomeFailedPrecondition, nil
	}
	defer e.end(skillName)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	dispatches := 0
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.bumpRetries()
			if !sleepCtx(ctx, retryPause) {
				e.record(skillName, skill.OutcomeTimedOut, dispatches, started)
				return skill.OutcomeTimedOut, nil
			}
		}

		e.awaitGlobalCooldown(ctx)
		if ctx.Err() != nil {
			e.record(skillName, skill.OutcomeTimedOut, dispatches, started)
			return skill.OutcomeTimedOut, nil
		}

		if err := e.dispatch.TriggerSlot(def.Index); err != nil {
			e.logger.Debug("Input dispatch failed",
				slog.String("skill", skillName),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}
		dispatches++
		e.markDispatch()

		if !sleepCtx(ctx, e.cfg.Settle) {
			e.record(skillName, skill.OutcomeTimedOut, dispatches, started)
			return skill.OutcomeTimedOut, nil
		}

		res, err := e.probe.ProbeSlot(def.Index)
		if err != nil {
			// The press may have landed even though the read-back failed.
			// Report uncertainty, never crash the caller.
			e.logger.Debug("Verification probe failed",
				slog.String("skill", skillName),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}

		if res.State == skill.StateOnCooldown || res.State == skill.StateUnavailable {
			e.states.RecordExecution(skillName)
			e.record(skillName, skill.OutcomeSuccess, dispatches, started)
			return skill.OutcomeSuccess, nil
		}

		e.logger.Debug("Slot still reads ready after settle",
			slog.String("skill", skillName),
			slog.Int("attempt", attempt),
			slog.String("state", res.State.String()),
			slog.Float64("confidence", res.Confidence),
		)
	}

	e.logger.Warn("Execution failed verification after max retries",
		slog.String("skill", skillName),
		slog.Int("dispatches", dispatches),
	)
	e.record(skillName, skill.OutcomeFailedVerification, dispatches, started)

	return skill.OutcomeFailedVerification, nil
}

// Quiesce blocks new executions and waits for in-flight ones to finish or
// time out. Used as the class switch barrier.
func (e *Engine) Quiesce(ctx context.Context) error {
	e.mu.Lock()
	e.gated = true
	e.mu.Unlock()

	t := time.NewTicker(quiescePoll)
	defer t.Stop()

	for {
		e.mu.Lock()
		n := len(e.inflight)
		e.mu.Unlock()
		if n == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Resume lifts the quiesce gate.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.gated = false
	e.mu.Unlock()
}

func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.inflight)
}

// Stats returns a copy of the execution counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.InFlight = len(e.inflight)
	if s.TotalExecutions > 0 {
		s.AvgExecutionMs = float64(e.totalTime.Milliseconds()) / float64(s.TotalExecutions)
		s.SuccessRate = float64(s.Successful) / float64(s.TotalExecutions)
	}
	if s.Successful > 0 {
		s.VerificationRate = float64(s.Verified) / float64(s.Successful)
	}

	return s
}

// History returns a copy of the most recent execution records.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Record, len(e.history))
	copy(out, e.history)

	return out
}

func (e *Engine) tryBegin(skillName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gated || e.inflight[skillName] {
		return false
	}
	e.inflight[skillName] = true

	return true
}

func (e *Engine) end(skillName string) {
	e.mu.Lock()
	delete(e.inflight, skillName)
	e.mu.Unlock()
}

func (e *Engine) awaitGlobalCooldown(ctx context.Context) {
	e.mu.Lock()
	wait := e.cfg.GlobalCooldown - time.Since(e.lastDispatch)
	e.mu.Unlock()

	if wait > 0 {
		sleepCtx(ctx, wait)
	}
}

func (e *Engine) markDispatch() {
	e.mu.Lock()
	e.lastDispatch = time.Now()
	e.mu.Unlock()
}

func (e *Engine) bumpRetries() {
	e.mu.Lock()
	e.stats.Retries++
	e.mu.Unlock()
}

func (e *Engine) record(skillName string, outcome skill.Outcome, dispatches int, started time.Time) {
	took := time.Since(started)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalExecutions++
	e.totalTime += took
	switch outcome {
	case skill.OutcomeSuccess:
		e.stats.Successful++
		e.stats.Verified++
	case skill.OutcomeFailedPrecondition:
		e.stats.FailedPrecondition++
	case skill.OutcomeTimedOut:
		e.stats.TimedOut++
		e.stats.Failed++
	default:
		e.stats.Failed++
	}

	e.history = append(e.history, Record{
		ID:       uuid.NewString(),
		Skill:    skillName,
		Outcome:  outcome.String(),
		Attempts: dispatches,
		TookMs:   took.Milliseconds(),
		At:       started,
	})
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
