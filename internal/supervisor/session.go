package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/challenge"
	"github.com/xkilldash9x/cadence-cli/internal/detector"
	"github.com/xkilldash9x/cadence-cli/internal/observability"
	"github.com/xkilldash9x/cadence-cli/internal/progress"
	"github.com/xkilldash9x/cadence-cli/internal/retry"
)

// failure ends a session with status Failed.
type failure struct{ err error }

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fail(format string, args ...any) error {
	return &failure{err: fmt.Errorf(format, args...)}
}

// Session is one tab's loop. Only its own goroutine mutates it; snapshots are
// taken under the read lock.
type Session struct {
	id   string
	page browser.Page
	sup  *Supervisor
	log  *zap.Logger
	rng  *rand.Rand

	mu                sync.RWMutex
	voteCount         int
	status            Status
	lastState         detector.PageState
	consecutiveErrors int
	reason            string
	startedAt         time.Time
	updatedAt         time.Time

	// Loop-local counters, never read elsewhere.
	unexpected        int
	challengeTimeouts int
}

func newSession(id string, page browser.Page, sup *Supervisor, seed uint64) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		page:      page,
		sup:       sup,
		log:       observability.ForSession(sup.logger, id),
		rng:       rand.New(rand.NewPCG(seed, uint64(now.UnixNano()))),
		status:    Running,
		startedAt: now,
		updatedAt: now,
	}
}

// Snapshot copies the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID:         s.id,
		VoteCount:         s.voteCount,
		Status:            s.status,
		LastState:         s.lastState.String(),
		ConsecutiveErrors: s.consecutiveErrors,
		Reason:            s.reason,
		StartedAt:         s.startedAt,
		UpdatedAt:         s.updatedAt,
	}
}

// -- Loop --

func (s *Session) run(ctx context.Context) {
	s.emit(progress.SessionStarted, s.page.ID())
	limit := s.sup.cfg.MaxActions

	for {
		if ctx.Err() != nil {
			s.finish(Stopped, "shutdown")
			return
		}
		if limit >= 0 && s.votes() >= limit {
			s.finish(Stopped, "max_actions")
			return
		}

		err := s.cycle(ctx)
		var f *failure
		switch {
		case errors.As(err, &f):
			s.finish(Failed, f.Error())
			return
		case ctx.Err() != nil:
			s.finish(Stopped, "shutdown")
			return
		case err != nil:
			s.log.Warn("Cycle error", zap.Error(err))
		}
	}
}

func (s *Session) cycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if s.sup.deps.Cycles != nil {
			s.sup.deps.Cycles.ObserveCycle(time.Since(start))
		}
	}()
	s.emit(progress.CycleStarted, "")

	// 1. Deal with whatever the previous cycle left on screen.
	switch state := s.detect(ctx); state.Kind {
	case detector.Confirmed:
		if err := s.clickAgain(ctx); err != nil {
			return err
		}
	case detector.ChallengePresent:
		return s.handleChallenge(ctx)
	case detector.ErrorPresent:
		return s.handleError(ctx, state)
	}

	// 2. Act, on the target page only.
	if err := s.returnToTarget(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.unexpectedState(ctx, s.detect(ctx), "navigation failed: "+err.Error())
	}
	target, err := s.sup.deps.Locator.Locate(ctx, s.page, s.sup.primary)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.unexpectedState(ctx, s.detect(ctx), "primary action not found")
	}
	if err := s.page.Click(ctx, target.Element); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.unexpectedState(ctx, s.detect(ctx), "click failed: "+err.Error())
	}
	s.emit(progress.ActionClicked, target.Strategy)

	// 3. Branch on what the click produced.
	return s.branch(ctx, s.awaitOutcome(ctx))
}

func (s *Session) branch(ctx context.Context, state detector.PageState) error {
	switch state.Kind {
	case detector.Confirmed:
		return s.recordVote(ctx, state)
	case detector.ChallengePresent:
		return s.handleChallenge(ctx)
	case detector.ErrorPresent:
		return s.handleError(ctx, state)
	default:
		return s.unexpectedState(ctx, state, "click had no visible effect")
	}
}

// awaitOutcome polls detection while the page still looks unchanged.
func (s *Session) awaitOutcome(ctx context.Context) detector.PageState {
	var state detector.PageState
	_, _ = retry.Poll(ctx, retry.Policy{
		MaxAttempts: max(1, s.sup.cfg.OutcomePolls),
		Interval:    s.sup.cfg.OutcomeInterval,
	}, func(ctx context.Context, _ int) (bool, error) {
		state = s.detect(ctx)
		return state.Kind != detector.ActionAvailable && state.Kind != detector.Unknown, nil
	})
	return state
}

func (s *Session) clickAgain(ctx context.Context) error {
	target, err := s.sup.deps.Locator.Locate(ctx, s.page, s.sup.again)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Debug("No vote-again control, reloading")
		s.reload(ctx)
		return nil
	}
	if err := s.page.Click(ctx, target.Element); err != nil && ctx.Err() == nil {
		s.log.Debug("Vote-again click failed, reloading", zap.Error(err))
		s.reload(ctx)
	}
	return ctx.Err()
}

// -- Outcomes --

func (s *Session) recordVote(ctx context.Context, state detector.PageState) error {
	s.mu.Lock()
	s.voteCount++
	s.consecutiveErrors = 0
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.unexpected = 0
	s.challengeTimeouts = 0

	s.emit(progress.VoteConfirmed, state.Detail)
	return retry.Sleep(ctx, s.delay())
}

func (s *Session) delay() time.Duration {
	lo, hi := s.sup.cfg.Delay()
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

func (s *Session) handleChallenge(ctx context.Context) error {
	s.emit(progress.ChallengeDetected, "")
	out := s.sup.deps.Resolver.Resolve(ctx, challenge.Request{
		SessionID: s.id,
		Page:      s.page,
		OnAwaitingManual: func() {
			s.setStatus(Paused, "awaiting_manual")
			s.emit(progress.ChallengeManualWait, "")
			s.emit(progress.SessionPaused, "challenge")
		},
	})
	if out.Manual && ctx.Err() == nil {
		s.setStatus(Running, "")
		s.emit(progress.SessionResumed, "challenge")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch out.Final {
	case challenge.Resolved:
		s.challengeTimeouts = 0
		if out.Manual {
			s.emit(progress.ChallengeResolved, fmt.Sprintf("rounds=%d", out.Rounds))
		} else {
			s.emit(progress.ChallengeAutoResolved, fmt.Sprintf("clicked=%v", out.Clicked))
		}
		state := s.awaitOutcome(ctx)
		if state.Kind == detector.ChallengePresent {
			// Another challenge: the next cycle picks it up as a leftover.
			return nil
		}
		return s.branch(ctx, state)

	case challenge.TimedOut:
		s.challengeTimeouts++
		s.emit(progress.ChallengeTimeout, fmt.Sprintf("consecutive=%d", s.challengeTimeouts))
		if n := s.sup.cfg.MaxChallengeTimeouts; n > 0 && s.challengeTimeouts >= n {
			return fail("%d consecutive challenge timeouts: %w", s.challengeTimeouts, out.Err)
		}
		if err := s.backOff(ctx, s.challengeTimeouts, "Challenge timed out"); err != nil {
			return err
		}
		s.reload(ctx)
		return nil

	default:
		return out.Err
	}
}

func (s *Session) handleError(ctx context.Context, state detector.PageState) error {
	s.emit(progress.ErrorDetected, state.Reason+": "+state.Detail)
	if state.Reason == detector.ReasonLoginRequired {
		return s.awaitLogin(ctx)
	}

	s.mu.Lock()
	s.consecutiveErrors++
	n := s.consecutiveErrors
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if limit := s.sup.cfg.MaxConsecutiveErrors; limit > 0 && n >= limit {
		return fail("%d consecutive error pages, last: %s", n, state.Detail)
	}

	if err := s.backOff(ctx, n, "Error page"); err != nil {
		return err
	}
	s.reload(ctx)
	return nil
}

// backOff sleeps for the error backoff of the n-th consecutive failure.
func (s *Session) backOff(ctx context.Context, n int, what string) error {
	b := s.sup.cfg.ErrorBackoff
	wait := retry.Backoff(retry.Policy{Interval: b.Initial, Multiplier: b.Multiplier, MaxInterval: b.Max}, n)
	s.log.Info(what+", backing off", zap.Int("consecutive", n), zap.Duration("wait", wait))
	return retry.Sleep(ctx, wait)
}

func (s *Session) awaitLogin(ctx context.Context) error {
	s.setStatus(Paused, "login_required")
	s.emit(progress.SessionPaused, "login_required")
	s.log.Warn("Login required: sign in through the browser window",
		zap.Duration("timeout", s.sup.cfg.LoginTimeout))

	_, err := retry.Poll(ctx, retry.Fixed(s.sup.cfg.LoginPollInterval, s.sup.cfg.LoginTimeout), func(ctx context.Context, _ int) (bool, error) {
		st := s.detect(ctx)
		return st.Reason != detector.ReasonLoginRequired, nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fail("login not completed within %s: %w", s.sup.cfg.LoginTimeout, ErrLoginTimeout)
	}
	s.setStatus(Running, "")
	s.emit(progress.SessionResumed, "login")

	// Sign-in flows often land somewhere other than the ballot.
	if err := s.returnToTarget(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("Cannot return to the target page after login", zap.Error(err))
	}
	return ctx.Err()
}

func (s *Session) unexpectedState(ctx context.Context, state detector.PageState, detail string) error {
	s.unexpected++
	s.emit(progress.UnexpectedState, fmt.Sprintf("%s (%s)", detail, state))
	if state.Kind == detector.Unknown {
		s.saveSnapshot(ctx)
	}
	if limit := s.sup.cfg.MaxUnexpectedStates; limit > 0 && s.unexpected >= limit {
		return fail("%w: %s after %d attempts", ErrUnexpectedState, state, s.unexpected)
	}
	s.reload(ctx)
	return nil
}

// -- Helpers --

func (s *Session) detect(ctx context.Context) detector.PageState {
	state := s.sup.deps.Detector.Detect(ctx, s.page)
	s.mu.Lock()
	s.lastState = state
	s.updatedAt = time.Now()
	s.mu.Unlock()
	return state
}

// reload refreshes the tab, or takes it back to the target page when it has
// wandered off.
func (s *Session) reload(ctx context.Context) {
	if s.offTarget(ctx) {
		if err := s.navigateToTarget(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("Navigation to the target page failed", zap.Error(err))
		}
		return
	}
	if err := s.page.Reload(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("Reload failed", zap.Error(err))
	}
}

// returnToTarget navigates back when the tab shows another page.
func (s *Session) returnToTarget(ctx context.Context) error {
	if !s.offTarget(ctx) {
		return nil
	}
	return s.navigateToTarget(ctx)
}

func (s *Session) navigateToTarget(ctx context.Context) error {
	s.log.Info("Tab left the target page, navigating back", zap.String("url", s.sup.targetURL))
	if err := s.page.Navigate(ctx, s.sup.targetURL); err != nil {
		return err
	}
	s.emit(progress.TargetRestored, s.sup.targetURL)
	return nil
}

// offTarget reports whether the tab is on a page other than the target. An
// unreadable location counts as on target; detection deals with broken tabs.
func (s *Session) offTarget(ctx context.Context) bool {
	if s.sup.targetURL == "" {
		return false
	}
	current, err := s.page.URL(ctx)
	if err != nil {
		s.log.Debug("Cannot read tab location", zap.Error(err))
		return false
	}
	return !sameBase(current, s.sup.targetURL)
}

// sameBase compares host and path, ignoring scheme, query, fragment and a
// trailing slash.
func sameBase(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host) &&
		strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}

func (s *Session) votes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voteCount
}

func (s *Session) setStatus(st Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.reason = reason
	s.updatedAt = time.Now()
}

func (s *Session) finish(st Status, reason string) {
	s.setStatus(st, reason)
	if st == Failed {
		s.emit(progress.SessionFailed, reason)
		return
	}
	s.emit(progress.SessionStopped, reason)
}

func (s *Session) emit(kind progress.Kind, detail string) {
	s.sup.deps.Sink.Record(progress.Event{
		SessionID: s.id,
		Kind:      kind,
		Detail:    detail,
		VoteCount: s.votes(),
	})
}

// saveSnapshot writes the page HTML for later inspection.
func (s *Session) saveSnapshot(ctx context.Context) {
	dir := s.sup.snapshotDir
	if dir == "" {
		return
	}
	html, err := s.page.Snapshot(ctx)
	if err != nil {
		s.log.Debug("Snapshot failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("Cannot create snapshot dir", zap.Error(err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.html", s.id, time.Now().Format("20060102-150405.000")))
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		s.log.Warn("Cannot write snapshot", zap.Error(err))
		return
	}
	s.log.Info("Saved page snapshot for inspection", zap.String("path", path))
}
