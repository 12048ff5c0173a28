package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tantradev/kbot/internal/config"
	"github.com/tantradev/kbot/internal/engine"
	"github.com/tantradev/kbot/internal/event"
	"github.com/tantradev/kbot/internal/game"
	"github.com/tantradev/kbot/internal/health"
	"github.com/tantradev/kbot/internal/integration"
	"github.com/tantradev/kbot/internal/skill"
	"github.com/tantradev/kbot/internal/traditional"
	"github.com/tantradev/kbot/internal/vision"
)

const (
	quiesceTimeout      = 10 * time.Second // upper bound on draining in-flight executions
	captureBackoff      = 1 * time.Second  // pause scanning after a failed capture
	defaultScanInterval = 200 * time.Millisecond
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
)

// Supervisor owns one game session: the attached window, every detection and
// execution component, and the single goroutine that scans the skill bar.
type Supervisor struct {
	logger    *slog.Logger
	sessionID string

	classStore  *config.ClassStore
	window      *game.Window
	capturer    *game.Capturer
	keys        *game.KeySender
	templates   *vision.TemplateStore
	detector    *vision.Detector
	tracker     *skill.Tracker
	manager     *skill.Manager
	vitals      *health.Reader
	traditional *traditional.Manager
	engine      *engine.Engine
	integrator  *integration.Integrator

	mu            sync.Mutex
	status        Status
	startedAt     time.Time
	paused        bool
	switching     bool
	backoffUntil  time.Time
	scanCount     uint64
	captureErrors uint64
	lastScanAt    time.Time
}

// NewSupervisor attaches to the game client and wires every component from
// the loaded config. It does not start scanning, call Start for that.
func NewSupervisor(logger *slog.Logger) (*Supervisor, error) {
	cfg := config.Kbot

	window, err := game.FindWindow(cfg.Game.ProcessName, cfg.Game.WindowTitle)
	if err != nil {
		return nil, err
	}
	logger.Info("Attached to game window",
		slog.String("title", window.Title),
		slog.Int("pid", int(window.PID)),
	)
	window.Focus()

	capturer := game.NewCapturer(window)
	keys := game.NewKeySender(window)
	templates := vision.NewTemplateStore(logger)
	detector := vision.NewDetector(logger, templates)
	tracker := skill.NewTracker(cfg.Detection.DebounceStreak)
	vitals := health.NewReader(health.Bars{
		HP:     cfg.Vitals.HPBar,
		MP:     cfg.Vitals.MPBar,
		Target: cfg.Vitals.Target,
	})

	classStore := config.NewClassStore("")
	profiles := loadProfiles(logger, classStore)
	if len(profiles) == 0 {
		return nil, errors.New("no usable class documents under config/classes")
	}
	manager := skill.NewManager(logger, profiles)
	trad := traditional.NewManager(logger, keys, vitals)

	eng := engine.New(logger, manager, tracker,
		&slotDispatcher{manager: manager, keys: keys},
		&slotProber{manager: manager, capturer: capturer, detector: detector},
		vitals,
		engine.Config{
			Settle:              time.Duration(cfg.Execution.SettleMs) * time.Millisecond,
			MaxRetries:          cfg.Execution.MaxRetries,
			Timeout:             time.Duration(cfg.Execution.TimeoutMs) * time.Millisecond,
			GlobalCooldown:      time.Duration(cfg.Execution.GlobalCooldownMs) * time.Millisecond,
			EnforceResourceCost: cfg.Execution.EnforceResourceCost,
		},
	)

	sessionID := uuid.NewString()
	integrator := integration.New(logger, sessionID, eng, trad, tracker, manager, templates, capturer,
		integration.Config{
			UseVisualSystem:       cfg.Integration.UseVisualSystem,
			FallbackToTraditional: cfg.Integration.FallbackToTraditional,
			FailureThreshold:      cfg.Integration.FailureThreshold,
			FailureWindow:         time.Duration(cfg.Integration.FailureWindowSec) * time.Second,
		},
	)

	return &Supervisor{
		logger:      logger,
		sessionID:   sessionID,
		classStore:  classStore,
		window:      window,
		capturer:    capturer,
		keys:        keys,
		templates:   templates,
		detector:    detector,
		tracker:     tracker,
		manager:     manager,
		vitals:      vitals,
		traditional: trad,
		engine:      eng,
		integrator:  integrator,
		status:      StatusStarting,
	}, nil
}

// Start activates the configured class and runs the monitoring cycle until
// the context is canceled. It owns the only goroutine that touches the
// detector and tracker outside of execution probes.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.applyClass(config.Kbot.Game.ActiveClass); err != nil {
		return fmt.Errorf("activating class %q: %w", config.Kbot.Game.ActiveClass, err)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.status = StatusRunning
	s.mu.Unlock()

	event.Send(event.SessionStarted(
		event.Text(s.sessionID, fmt.Sprintf("Session started as %s", config.Kbot.Game.ActiveClass)),
		config.Kbot.Game.ActiveClass,
	))

	interval := time.Duration(config.Kbot.Detection.ScanIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Monitoring started",
		slog.String("session", s.sessionID),
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.setStatus(StatusStopped)
			event.Send(event.SessionStopped(event.Text(s.sessionID, "Session stopped")))
			return nil
		case <-ticker.C:
			s.scan()
		}
	}
}

// scan runs one monitoring cycle: capture the skill bar, classify every
// slot, feed the tracker, then refresh vitals. Skipped entirely while a
// class switch is reseeding state, and a switch that completes after the
// cycle already started invalidates its results through the tracker
// generation.
func (s *Supervisor) scan() {
	s.mu.Lock()
	skip := s.switching || s.paused || time.Now().Before(s.backoffUntil)
	s.mu.Unlock()
	if skip {
		return
	}

	// Captured before the profile: if a switch lands in between, the
	// generation is already stale and Apply drops the batch.
	gen := s.tracker.Generation()
	profile := s.manager.ActiveProfile()
	if profile == nil {
		return
	}

	bar, err := s.capturer.CaptureRegion(regionOf(profile))
	if err != nil {
		s.noteCaptureError(err)
		return
	}
	s.tracker.Apply(gen, s.detector.Detect(bar, profile))

	if config.Kbot.Vitals.Enabled {
		if frame, err := s.capturer.CaptureRegion(config.Kbot.Vitals.Region); err == nil {
			s.vitals.Analyze(frame)
		} else {
			s.noteCaptureError(err)
		}
	}

	s.mu.Lock()
	s.scanCount++
	s.lastScanAt = time.Now()
	s.mu.Unlock()
}

// SwitchClass drains in-flight executions, swaps every per-class component
// and resumes. New monitoring cycles skip while the swap runs, and a cycle
// already in flight is fenced off by the tracker generation bump inside
// Reseed, so no observation from the old layout can land on the new profile.
func (s *Supervisor) SwitchClass(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.switching {
		s.mu.Unlock()
		return errors.New("class switch already in progress")
	}
	s.switching = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.switching = false
		s.mu.Unlock()
	}()

	from := ""
	if p := s.manager.ActiveProfile(); p != nil {
		from = string(p.Class)
	}

	qctx, cancel := context.WithTimeout(ctx, quiesceTimeout)
	defer cancel()
	if err := s.engine.Quiesce(qctx); err != nil {
		s.engine.Resume()
		return fmt.Errorf("draining in-flight executions: %w", err)
	}
	defer s.engine.Resume()

	if err := s.applyClass(id); err != nil {
		return err
	}

	if from != id {
		s.persistActiveClass(id)
		event.Send(event.ClassSwitched(
			event.Text(s.sessionID, fmt.Sprintf("Class switched from %s to %s", from, id)),
			from, id,
		))
	}

	return nil
}

// applyClass points every per-class component at the named class. A failed
// activation leaves the previous class fully intact. Callers must hold the
// switch barrier, or know that nothing is scanning yet.
func (s *Supervisor) applyClass(id string) error {
	profile, err := s.manager.SetActiveClass(id)
	if err != nil {
		return err
	}

	loaded, broken := s.templates.LoadProfile(profile)
	s.logger.Info("Skill templates loaded",
		slog.String("class", id),
		slog.Int("templates", loaded),
		slog.Int("brokenSlots", broken),
	)

	s.tracker.Reseed(profile)
	s.traditional.LoadProfile(profile)

	return nil
}

// ReloadConfig re-reads kbot.yaml and every class document, then reapplies
// the active class through the regular switch barrier.
func (s *Supervisor) ReloadConfig(ctx context.Context) error {
	if err := config.Load(); err != nil {
		return err
	}

	profiles := loadProfiles(s.logger, s.classStore)
	if len(profiles) == 0 {
		return errors.New("no usable class documents under config/classes")
	}
	s.manager.ReplaceProfiles(profiles)

	return s.SwitchClass(ctx, config.Kbot.Game.ActiveClass)
}

// TogglePause stops and restarts the monitoring cycle. Execution requests
// are still served while paused, they just run against aging observations.
func (s *Supervisor) TogglePause() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = !s.paused
	if s.paused {
		s.status = StatusPaused
	} else {
		s.status = StatusRunning
	}
	s.logger.Info("Monitoring pause toggled", slog.Bool("paused", s.paused))

	return s.status
}

func (s *Supervisor) ExecuteSkill(ctx context.Context, skillName string) (skill.Outcome, error) {
	return s.integrator.ExecuteSkill(ctx, skillName)
}

func (s *Supervisor) SkillStatus(skillName string) integration.SkillStatus {
	return s.integrator.SkillStatus(skillName)
}

func (s *Supervisor) SystemInfo() integration.SystemInfo {
	return s.integrator.SystemInfo()
}

func (s *Supervisor) SetUseVisualSystem(enabled bool) {
	s.integrator.SetUseVisualSystem(enabled)
}

// SuggestSkill asks the rule-based manager which skill it would use next.
func (s *Supervisor) SuggestSkill() (string, bool) {
	return s.traditional.NextSkill()
}

func (s *Supervisor) ExecutionHistory() []engine.Record {
	return s.engine.History()
}

func (s *Supervisor) SessionID() string {
	return s.sessionID
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Supervisor) noteCaptureError(err error) {
	s.mu.Lock()
	s.captureErrors++
	s.backoffUntil = time.Now().Add(captureBackoff)
	s.mu.Unlock()

	// Transient by nature (minimized window, lost device context), the next
	// cycle after the backoff simply tries again.
	s.logger.Debug("Screen capture failed", slog.Any("error", err))
}

// StatusSnapshot is the full diagnostics view served over HTTP and pushed
// to websocket clients.
type StatusSnapshot struct {
	SessionID     string                   `json:"sessionId"`
	Status        Status                   `json:"status"`
	StartedAt     time.Time                `json:"startedAt"`
	Window        game.Process             `json:"window"`
	ActiveClass   string                   `json:"activeClass,omitempty"`
	Archetype     string                   `json:"archetype,omitempty"`
	LoadedClasses []skill.Class            `json:"loadedClasses"`
	ScanCount     uint64                   `json:"scanCount"`
	CaptureErrors uint64                   `json:"captureErrors"`
	LastScanAt    time.Time                `json:"lastScanAt"`
	Slots         []skill.SlotState        `json:"slots"`
	Vitals        health.Vitals            `json:"vitals"`
	Detection     vision.Stats             `json:"detection"`
	CacheHitRate  float64                  `json:"captureCacheHitRate"`
	Execution     engine.Stats             `json:"execution"`
	Input         game.InputStats          `json:"input"`
	System        integration.SystemInfo   `json:"system"`
	Usage         []traditional.SkillUsage `json:"traditionalUsage"`
	BrokenSlots   []string                 `json:"brokenSlots,omitempty"`
}

// Status assembles a point-in-time snapshot from every component. Each
// component hands out copies, so the snapshot is safe to serialize while
// the session keeps running.
func (s *Supervisor) Status() StatusSnapshot {
	s.mu.Lock()
	snap := StatusSnapshot{
		SessionID:     s.sessionID,
		Status:        s.status,
		StartedAt:     s.startedAt,
		ScanCount:     s.scanCount,
		CaptureErrors: s.captureErrors,
		LastScanAt:    s.lastScanAt,
	}
	s.mu.Unlock()

	snap.Window = game.Process{
		WindowTitle: s.window.Title,
		ProcessName: config.Kbot.Game.ProcessName,
		PID:         s.window.PID,
	}
	if p := s.manager.ActiveProfile(); p != nil {
		snap.ActiveClass = string(p.Class)
		snap.Archetype = p.Class.Archetype()
	}
	snap.LoadedClasses = s.manager.LoadedClasses()
	snap.Slots = s.tracker.States()
	snap.Vitals = s.vitals.Current()
	snap.Detection = s.detector.Stats()
	snap.CacheHitRate = s.capturer.CacheHitRate()
	snap.Execution = s.engine.Stats()
	snap.Input = s.keys.Stats()
	snap.System = s.integrator.SystemInfo()
	snap.Usage = s.traditional.Usage()
	snap.BrokenSlots = s.templates.BrokenSlots()

	return snap
}

func (s *Supervisor) persistActiveClass(id string) {
	cfg := *config.Kbot
	cfg.Game.ActiveClass = id
	if err := config.ValidateAndSave(&cfg); err != nil {
		s.logger.Warn("Could not persist active class", slog.Any("error", err))
	}
}

func loadProfiles(logger *slog.Logger, store *config.ClassStore) map[skill.Class]*skill.ClassProfile {
	defaults := skill.Thresholds{
		Ready:         config.Kbot.Detection.TemplateThreshold,
		Cooldown:      config.Kbot.Detection.CooldownThreshold,
		MinConfidence: config.Kbot.Detection.MinConfidence,
	}

	docs, failed, err := store.LoadAll()
	if err != nil {
		logger.Error("Could not scan class documents", slog.Any("error", err))
		return nil
	}
	for id, loadErr := range failed {
		logger.Warn("Skipping class document", slog.String("class", id), slog.Any("error", loadErr))
	}

	profiles := make(map[skill.Class]*skill.ClassProfile, len(docs))
	for id, doc := range docs {
		profile, err := skill.ProfileFromConfig(doc, defaults, config.Kbot.Detection.UseMultiScale)
		if err != nil {
			logger.Warn("Skipping class document", slog.String("class", id), slog.Any("error", err))
			continue
		}
		profiles[profile.Class] = profile
	}

	return profiles
}

// slotDispatcher resolves the slot's key binding at press time so a class
// switch can never fire a stale binding.
type slotDispatcher struct {
	manager *skill.Manager
	keys    *game.KeySender
}

func (d *slotDispatcher) TriggerSlot(index int) error {
	p := d.manager.ActiveProfile()
	if p == nil {
		return fmt.Errorf("%w: no active class", skill.ErrProfileNotLoaded)
	}
	def, ok := p.SlotByIndex(index)
	if !ok {
		return fmt.Errorf("%w: slot %d", skill.ErrSkillNotFound, index)
	}

	return d.keys.PressKey(def.Key)
}

// slotProber re-captures the skill bar and classifies a single slot. It
// bypasses the tracker so the engine verifies against the freshest read.
type slotProber struct {
	manager  *skill.Manager
	capturer *game.Capturer
	detector *vision.Detector
}

func (p *slotProber) ProbeSlot(index int) (skill.DetectionResult, error) {
	profile := p.manager.ActiveProfile()
	if profile == nil {
		return skill.DetectionResult{}, fmt.Errorf("%w: no active class", skill.ErrProfileNotLoaded)
	}

	bar, err := p.capturer.CaptureRegion(regionOf(profile))
	if err != nil {
		return skill.DetectionResult{}, err
	}

	return p.detector.DetectSlot(bar, profile, index)
}

func regionOf(p *skill.ClassProfile) config.Region {
	return config.Region{X: p.Region.Min.X, Y: p.Region.Min.Y, W: p.Region.Dx(), H: p.Region.Dy()}
}
