package integration

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/tantradev/kbot/internal/event"
	"github.com/tantradev/kbot/internal/skill"
)

type VisualBackend interface {
	Execute(ctx context.Context, skillName string) (skill.Outcome, error)
}

type TraditionalBackend interface {
	Execute(skillName string) (skill.Outcome, error)
	Status(skillName string) (skill.Classification, error)
	SkillCount() int
}

type StateSource interface {
	State(skillName string) (skill.SlotState, bool)
}

type ProfileSource interface {
	ActiveProfile() *skill.ClassProfile
}

// TemplateInfo reports how much of the active profile the vision side can
// actually see.
type TemplateInfo interface {
	UsableSlots() int
}

// ScreenshotSource supplies the frame attached to alert events. A nil source
// or a failed capture just produces an event without an image.
type ScreenshotSource interface {
	CaptureFrame() (*image.RGBA, error)
}

type Config struct {
	UseVisualSystem       bool
	FallbackToTraditional bool
	FailureThreshold      int
	FailureWindow         time.Duration
}

// SkillStatus is the caller-facing view of one skill, normalized so callers
// never need to know which backend answered.
type SkillStatus struct {
	Skill        string    `json:"skill"`
	Status       string    `json:"status"`
	System       string    `json:"system"`
	Slot         int       `json:"slot"`
	Confidence   float64   `json:"confidence"`
	LastObserved time.Time `json:"lastObserved"`
}

type BackendInfo struct {
	Available      bool   `json:"available"`
	Enabled        bool   `json:"enabled"`
	Configured     bool   `json:"configured"`
	SkillsDetected int    `json:"skillsDetected"`
	ActiveClass    string `json:"activeClass,omitempty"`
}

type SystemInfo struct {
	Backend          string      `json:"backend"`
	UseVisualSystem  bool        `json:"useVisualSystem"`
	FallbackLatched  bool        `json:"fallbackLatched"`
	RecentFailures   int         `json:"recentFailures"`
	FailureThreshold int         `json:"failureThreshold"`
	FailureWindowSec int         `json:"failureWindowSec"`
	Visual           BackendInfo `json:"visual"`
	Traditional      BackendInfo `json:"traditional"`
}

// Integrator is the single entry point for skill execution and status. It
// routes each call to the visual engine or the rule-based manager and flips
// to the latter for good once the visual side keeps failing.
type Integrator struct {
	logger      *slog.Logger
	session     string
	visual      VisualBackend
	traditional TraditionalBackend
	states      StateSource
	profiles    ProfileSource
	templates   TemplateInfo
	shots       ScreenshotSource
	cfg         Config

	mu              sync.Mutex
	useVisual       bool
	fallbackLatched bool
	failures        []time.Time
}

func New(logger *slog.Logger, session string, visual VisualBackend, trad TraditionalBackend, states StateSource, profiles ProfileSource, templates TemplateInfo, shots ScreenshotSource, cfg Config) *Integrator {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}

	return &Integrator{
		logger:      logger,
		session:     session,
		visual:      visual,
		traditional: trad,
		states:      states,
		profiles:    profiles,
		templates:   templates,
		shots:       shots,
		cfg:         cfg,
		useVisual:   cfg.UseVisualSystem,
	}
}

// ExecuteSkill runs a skill through whichever backend is authoritative. A
// visual miss is retried once on the rule-based side in the same call, the
// caller only ever sees one outcome.
func (i *Integrator) ExecuteSkill(ctx context.Context, skillName string) (skill.Outcome, error) {
	if !i.visualAuthoritative() {
		return i.traditional.Execute(skillName)
	}

	outcome, err := i.visual.Execute(ctx, skillName)
	if err != nil {
		if !errors.Is(err, skill.ErrSkillNotFound) && !errors.Is(err, skill.ErrProfileNotLoaded) {
			i.recordFailure()
		}
		if i.cfg.FallbackToTraditional {
			return i.traditional.Execute(skillName)
		}
		return outcome, err
	}

	switch outcome {
	case skill.OutcomeFailedVerification, skill.OutcomeTimedOut:
		event.Send(event.VerificationFailed(
			event.WithScreenshot(i.session, fmt.Sprintf("%s press could not be verified (%s)", skillName, outcome), i.snapshot()),
			skillName,
		))
		i.recordFailure()
		if i.cfg.FallbackToTraditional {
			return i.traditional.Execute(skillName)
		}
	case skill.OutcomeFailedPrecondition:
		// Not a health signal, the slot is simply not ready. The rule-based
		// side still gets a shot at it within the same call.
		if i.cfg.FallbackToTraditional {
			return i.traditional.Execute(skillName)
		}
	}

	return outcome, nil
}

// SkillStatus reports the normalized state of a skill from the currently
// authoritative backend.
func (i *Integrator) SkillStatus(skillName string) SkillStatus {
	if i.visualAuthoritative() {
		if st, ok := i.states.State(skillName); ok {
			return SkillStatus{
				Skill:        skillName,
				Status:       st.State.String(),
				System:       "visual",
				Slot:         st.Slot,
				Confidence:   st.Confidence,
				LastObserved: st.LastObserved,
			}
		}
	}

	if cls, err := i.traditional.Status(skillName); err == nil {
		return SkillStatus{Skill: skillName, Status: cls.String(), System: "traditional", Slot: -1}
	}

	return SkillStatus{Skill: skillName, Status: skill.StateUnknown.String(), System: "none", Slot: -1}
}

// SetUseVisualSystem flips the session preference. Enabling clears the
// fallback latch and the failure window.
func (i *Integrator) SetUseVisualSystem(enabled bool) {
	i.mu.Lock()
	i.useVisual = enabled
	if enabled {
		i.fallbackLatched = false
		i.failures = nil
	}
	i.mu.Unlock()

	i.logger.Info("Visual system preference changed", slog.Bool("enabled", enabled))
	if enabled {
		event.Send(event.VisualRestored(event.Text(i.session, "Visual system re-enabled")))
	}
}

// SystemInfo is a side-effect-free diagnostics snapshot.
func (i *Integrator) SystemInfo() SystemInfo {
	i.mu.Lock()
	now := time.Now()
	i.pruneLocked(now)
	recent := len(i.failures)
	latched := i.fallbackLatched
	useVisual := i.useVisual
	i.mu.Unlock()

	profile := i.profiles.ActiveProfile()
	usable := i.templates.UsableSlots()
	configured := profile != nil && usable > 0

	info := SystemInfo{
		UseVisualSystem:  useVisual,
		FallbackLatched:  latched,
		RecentFailures:   recent,
		FailureThreshold: i.cfg.FailureThreshold,
		FailureWindowSec: int(i.cfg.FailureWindow.Seconds()),
		Visual: BackendInfo{
			Available:      configured && useVisual && !latched,
			Enabled:        useVisual,
			Configured:     configured,
			SkillsDetected: usable,
		},
		Traditional: BackendInfo{
			Available:      i.traditional.SkillCount() > 0,
			Enabled:        i.cfg.FallbackToTraditional,
			Configured:     i.traditional.SkillCount() > 0,
			SkillsDetected: i.traditional.SkillCount(),
		},
	}
	if profile != nil {
		info.Visual.ActiveClass = string(profile.Class)
	}

	info.Backend = "traditional"
	if info.Visual.Available {
		info.Backend = "visual"
	}

	return info
}

func (i *Integrator) visualAuthoritative() bool {
	i.mu.Lock()
	enabled := i.useVisual && !i.fallbackLatched
	i.mu.Unlock()

	if !enabled {
		return false
	}

	return i.profiles.ActiveProfile() != nil && i.templates.UsableSlots() > 0
}

func (i *Integrator) recordFailure() {
	i.mu.Lock()
	now := time.Now()
	i.failures = append(i.failures, now)
	i.pruneLocked(now)
	n := len(i.failures)
	latch := !i.fallbackLatched && i.cfg.FallbackToTraditional && n >= i.cfg.FailureThreshold
	if latch {
		i.fallbackLatched = true
	}
	i.mu.Unlock()

	if latch {
		i.logger.Warn("Visual system disabled after sustained failures",
			slog.Int("failures", n),
			slog.Duration("window", i.cfg.FailureWindow),
		)
		event.Send(event.FallbackEngaged(
			event.WithScreenshot(i.session, fmt.Sprintf("Visual system disabled after %d failures, all calls now use the rule-based backend", n), i.snapshot()),
			n,
		))
	}
}

func (i *Integrator) snapshot() image.Image {
	if i.shots == nil {
		return nil
	}
	img, err := i.shots.CaptureFrame()
	if err != nil {
		return nil
	}

	return img
}

func (i *Integrator) pruneLocked(now time.Time) {
	cutoff := now.Add(-i.cfg.FailureWindow)
	kept := i.failures[:0]
	for _, t := range i.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	i.failures = kept
}
