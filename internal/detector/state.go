package detector

import (
	"fmt"
	"time"
)

// Kind is the semantic class of a page.
type Kind int

const (
	// Idle is the zero value: nothing has been detected yet. Detect never returns it.
	Idle Kind = iota
	ActionAvailable
	Confirmed
	ChallengePresent
	ErrorPresent
	Unknown
)

var kindNames = map[Kind]string{
	Idle:             "idle",
	ActionAvailable:  "action_available",
	Confirmed:        "confirmed",
	ChallengePresent: "challenge_present",
	ErrorPresent:     "error_present",
	Unknown:          "unknown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Reasons qualifying ErrorPresent.
const (
	ReasonPageError     = "page_error"
	ReasonLoginRequired = "login_required"
)

// PageState is derived fresh on every call and never cached.
type PageState struct {
	Kind   Kind
	Reason string
	// Detail is a short human-readable excerpt of what matched.
	Detail string
	At     time.Time
}

func (s PageState) String() string {
	if s.Reason != "" {
		return s.Kind.String() + "(" + s.Reason + ")"
	}
	return s.Kind.String()
}
