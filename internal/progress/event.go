// Package progress is the append-only record of what each session did.
package progress

import (
	"context"
	"time"
)

// Kind names a progress event.
type Kind string

const (
	SessionStarted        Kind = "session_started"
	CycleStarted          Kind = "cycle_started"
	ActionClicked         Kind = "action_clicked"
	VoteConfirmed         Kind = "vote_confirmed"
	ChallengeDetected     Kind = "challenge_detected"
	ChallengeAutoResolved Kind = "challenge_auto_resolved"
	ChallengeManualWait   Kind = "challenge_manual_wait"
	ChallengeResolved     Kind = "challenge_resolved"
	ChallengeTimeout      Kind = "challenge_timeout"
	ErrorDetected         Kind = "error_detected"
	UnexpectedState       Kind = "unexpected_state"
	TargetRestored        Kind = "target_restored"
	SessionPaused         Kind = "session_paused"
	SessionResumed        Kind = "session_resumed"
	SessionFailed         Kind = "session_failed"
	SessionStopped        Kind = "session_stopped"
)

// Event is one record. VoteCount is the session's count when it was emitted.
type Event struct {
	RunID     string
	SessionID string
	Kind      Kind
	Timestamp time.Time
	Detail    string
	VoteCount int
}

// Sink accepts events. Record must not block the caller for long.
type Sink interface {
	Record(e Event)
}

// EventStore persists batches of events.
type EventStore interface {
	PersistEvents(ctx context.Context, events []Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Event) {}
