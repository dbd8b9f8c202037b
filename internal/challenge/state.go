package challenge

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
)

var (
	// ErrChallengeTimeout means the manual wait ran out with the challenge still showing.
	ErrChallengeTimeout = errors.New("challenge: not resolved before timeout")
	// ErrClassifierUnavailable signals manual-only mode. It is never a failure.
	ErrClassifierUnavailable = errors.New("challenge: no classifier loaded")
	// ErrIncompleteGrid means fewer cells were visible than the grid requires.
	ErrIncompleteGrid = errors.New("challenge: incomplete image grid")
)

// State is a step of one resolution.
type State int

const (
	Idle State = iota
	Extracting
	Classifying
	AutoResolving
	AwaitingManual
	Resolved
	TimedOut
)

var stateNames = [...]string{"idle", "extracting", "classifying", "auto_resolving", "awaiting_manual", "resolved", "timed_out"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Cell is one tile of the image grid.
type Cell struct {
	Index   int
	Element browser.Element
	Image   image.Image
}

// Instance is one occurrence of a challenge. It is rebuilt for every round
// and discarded once the round ends.
type Instance struct {
	Prompt string
	Cells  []Cell
	// Frame is the document holding the grid.
	Frame     browser.Page
	CreatedAt time.Time
}

// GridPositions returns the cell boxes in grid order.
func (i *Instance) GridPositions() []browser.Rect {
	out := make([]browser.Rect, len(i.Cells))
	for n, c := range i.Cells {
		out[n] = c.Element.Box
	}
	return out
}

// Outcome reports how a resolution went.
type Outcome struct {
	Final State
	// Path lists every state entered, in order.
	Path   []State
	Rounds int
	// Clicked holds the grid indices clicked automatically, across rounds.
	Clicked   []int
	Submitted bool
	// Manual is true once the operator was asked to step in.
	Manual bool
	Err    error
}

func (o *Outcome) enter(s State) {
	o.Final = s
	o.Path = append(o.Path, s)
}

// Visited reports whether the resolution passed through s.
func (o Outcome) Visited(s State) bool {
	for _, p := range o.Path {
		if p == s {
			return true
		}
	}
	return false
}
