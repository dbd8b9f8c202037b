package supervisor

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status int

const (
	Running Status = iota
	Paused
	Stopped
	Failed
)

var statusNames = [...]string{"running", "paused", "stopped", "failed"}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the session loop has exited.
func (s Status) Terminal() bool { return s == Stopped || s == Failed }

// Snapshot is a read-only copy of a session's observable state.
type Snapshot struct {
	SessionID         string    `json:"session_id"`
	VoteCount         int       `json:"vote_count"`
	Status            Status    `json:"status"`
	LastState         string    `json:"last_state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Reason            string    `json:"reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
