package event

import (
	"image"
	"time"
)

type Event interface {
	Message() string
	Image() image.Image
	OccurredAt() time.Time
	Session() string
}

type BaseEvent struct {
	message    string
	image      image.Image
	occurredAt time.Time
	session    string
}

func (b BaseEvent) Message() string {
	return b.message
}

func (b BaseEvent) Image() image.Image {
	return b.image
}

func (b BaseEvent) OccurredAt() time.Time {
	return b.occurredAt
}

func (b BaseEvent) Session() string {
	return b.session
}

func Text(session, message string) BaseEvent {
	return BaseEvent{
		message:    message,
		occurredAt: time.Now(),
		session:    session,
	}
}

func WithScreenshot(session, message string, img image.Image) BaseEvent {
	return BaseEvent{
		message:    message,
		image:      img,
		occurredAt: time.Now(),
		session:    session,
	}
}

type SessionStartedEvent struct {
	BaseEvent
	Class string
}

func SessionStarted(be BaseEvent, class string) SessionStartedEvent {
	return SessionStartedEvent{BaseEvent: be, Class: class}
}

type SessionStoppedEvent struct {
	BaseEvent
}

func SessionStopped(be BaseEvent) SessionStoppedEvent {
	return SessionStoppedEvent{BaseEvent: be}
}

type ClassSwitchedEvent struct {
	BaseEvent
	From string
	To   string
}

func ClassSwitched(be BaseEvent, from, to string) ClassSwitchedEvent {
	return ClassSwitchedEvent{BaseEvent: be, From: from, To: to}
}

// FallbackEngagedEvent fires when sustained visual failures push every call
// to the rule-based backend.
type FallbackEngagedEvent struct {
	BaseEvent
	Failures int
}

func FallbackEngaged(be BaseEvent, failures int) FallbackEngagedEvent {
	return FallbackEngagedEvent{BaseEvent: be, Failures: failures}
}

type VisualRestoredEvent struct {
	BaseEvent
}

func VisualRestored(be BaseEvent) VisualRestoredEvent {
	return VisualRestoredEvent{BaseEvent: be}
}

type VerificationFailedEvent struct {
	BaseEvent
	Skill string
}

func VerificationFailed(be BaseEvent, skillName string) VerificationFailedEvent {
	return VerificationFailedEvent{BaseEvent: be, Skill: skillName}
}
