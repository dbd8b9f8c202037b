// Package supervisor runs one interaction loop per browser tab and keeps
// their failures apart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/challenge"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/detector"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
	"github.com/xkilldash9x/cadence-cli/internal/progress"
)

var (
	// ErrUnexpectedState means a click kept leaving the page unchanged or unrecognizable.
	ErrUnexpectedState = errors.New("supervisor: unexpected page state after action")
	// ErrLoginTimeout means nobody signed in before the login wait ran out.
	ErrLoginTimeout = errors.New("supervisor: login wait timed out")
	// ErrAllSessionsFailed is returned by Run when no session ended cleanly.
	ErrAllSessionsFailed = errors.New("supervisor: every session failed")
)

// StateDetector classifies a page.
type StateDetector interface {
	Detect(ctx context.Context, page browser.Page) detector.PageState
}

// ChallengeResolver resolves one challenge occurrence.
type ChallengeResolver interface {
	Resolve(ctx context.Context, req challenge.Request) challenge.Outcome
}

// CycleObserver receives the wall time of each cycle.
type CycleObserver interface {
	ObserveCycle(d time.Duration)
}

// Deps are shared by every session. All of them must be safe for concurrent use.
type Deps struct {
	Locator  *locator.Locator
	Detector StateDetector
	Resolver ChallengeResolver
	Sink     progress.Sink
	Cycles   CycleObserver
	Logger   *zap.Logger
}

// Supervisor owns the sessions of one run.
type Supervisor struct {
	cfg         config.SessionsConfig
	targetURL   string
	primary     locator.LogicalAction
	again       locator.LogicalAction
	snapshotDir string
	deps        Deps
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions []*Session
}

// New creates a supervisor. Sessions start in Run.
func New(cfg *config.Config, deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = progress.Discard
	}
	return &Supervisor{
		cfg:         cfg.Sessions,
		targetURL:   cfg.Target.URL,
		primary:     locator.ActionFromConfig(cfg, config.ActionPrimary),
		again:       locator.ActionFromConfig(cfg, config.ActionAgain),
		snapshotDir: cfg.Debug.SnapshotDir,
		deps:        deps,
		logger:      deps.Logger.Named("supervisor"),
	}
}

// Run starts one session per page and blocks until every session has stopped
// or failed. Cancelling ctx stops them all. A failing session never affects
// the others.
func (s *Supervisor) Run(ctx context.Context, pages []browser.Page) error {
	if len(pages) == 0 {
		return errors.New("supervisor: no pages to drive")
	}

	sessions := make([]*Session, len(pages))
	for i, p := range pages {
		sessions[i] = newSession(fmt.Sprintf("session-%d", i+1), p, s, uint64(i+1))
	}
	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	s.logger.Info("Starting sessions", zap.Int("count", len(sessions)))

	// Sessions never return errors to the group, so one failure cannot cancel the rest.
	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					sess.log.Error("Session panicked", zap.Any("panic", r), zap.Stack("stack"))
					sess.finish(Failed, fmt.Sprintf("panic: %v", r))
				}
			}()
			sess.run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, snap := range s.Snapshots() {
		if snap.Status == Failed {
			failed++
		}
	}
	s.logger.Info("All sessions finished",
		zap.Int("votes", s.TotalVotes()),
		zap.Int("failed", failed))
	if failed == len(sessions) {
		return ErrAllSessionsFailed
	}
	return nil
}

// Snapshots returns copies of every session's state, in session order.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Snapshot()
	}
	return out
}

// TotalVotes sums the vote counts of every session.
func (s *Supervisor) TotalVotes() int {
	total := 0
	for _, snap := range s.Snapshots() {
		total += snap.VoteCount
	}
	return total
}
