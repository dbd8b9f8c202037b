package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/browser/dom"
	"github.com/xkilldash9x/cadence-cli/internal/challenge"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/detector"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
	"github.com/xkilldash9x/cadence-cli/internal/progress"
)

const (
	voteDoc      = `<html><body><button aria-label="Alice" data-box="10,10,100,40">Alice</button></body></html>`
	confirmDoc   = `<html><body><h1>Seu voto foi confirmado</h1><button data-box="10,60,120,40">Votar novamente</button></body></html>`
	errorDoc     = `<html><body><div class="error-box">Algo deu errado</div></body></html>`
	loginDoc     = `<html><body><p>Fazer login para continuar</p></body></html>`
	challengeDoc = `<html><body><iframe title="hCaptcha challenge" data-box="0,0,400,500"></iframe></body></html>`
	blankDoc     = `<html><body><p>Carregando...</p></body></html>`
)

// -- Fixtures --

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Record(e progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) of(session string) []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []progress.Event
	for _, e := range l.events {
		if e.SessionID == session {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) kinds(session string) []progress.Kind {
	var out []progress.Kind
	for _, e := range l.of(session) {
		out = append(out, e.Kind)
	}
	return out
}

// votingSite confirms every vote and returns to the ballot on "vote again".
func votingSite() *dom.Page {
	p := dom.MustNew("https://example.test/vote", voteDoc)
	p.OnClick = func(p *dom.Page, el browser.Element) {
		switch {
		case el.Label == "Alice":
			_ = p.SetHTML(confirmDoc)
		case strings.Contains(el.Text, "Votar novamente"):
			_ = p.SetHTML(voteDoc)
		}
	}
	p.OnReload = func(p *dom.Page) { _ = p.SetHTML(voteDoc) }
	return p
}

// afterVote builds a site whose ballot click leads to doc.
func afterVote(doc string) *dom.Page {
	p := dom.MustNew("https://example.test/vote", voteDoc)
	p.OnClick = func(p *dom.Page, el browser.Element) {
		if el.Label == "Alice" {
			_ = p.SetHTML(doc)
		}
	}
	p.OnReload = func(p *dom.Page) { _ = p.SetHTML(voteDoc) }
	return p
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Target.Label = "Alice"
	cfg.Locator = config.LocatorConfig{
		LabelTimeout: 20 * time.Millisecond,
		TextTimeout:  20 * time.Millisecond,
		PathTimeout:  20 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}
	s := &cfg.Sessions
	s.MaxActions = 3
	s.DelayRange = config.DelayRange{}
	s.OutcomePolls = 3
	s.OutcomeInterval = 5 * time.Millisecond
	s.MaxUnexpectedStates = 3
	s.MaxConsecutiveErrors = 2
	s.MaxChallengeTimeouts = 2
	s.ErrorBackoff = config.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	s.LoginTimeout = 60 * time.Millisecond
	s.LoginPollInterval = 5 * time.Millisecond
	return cfg
}

type resolverFunc func(ctx context.Context, req challenge.Request) challenge.Outcome

func (f resolverFunc) Resolve(ctx context.Context, req challenge.Request) challenge.Outcome {
	return f(ctx, req)
}

func newSupervisor(t *testing.T, cfg *config.Config, resolver ChallengeResolver, sink progress.Sink) *Supervisor {
	logger := zaptest.NewLogger(t)
	loc := locator.NewFromConfig(cfg.Locator, logger)
	if resolver == nil {
		resolver = resolverFunc(func(context.Context, challenge.Request) challenge.Outcome {
			t.Error("unexpected challenge")
			return challenge.Outcome{Final: challenge.TimedOut, Err: challenge.ErrChallengeTimeout}
		})
	}
	return New(cfg, Deps{
		Locator:  loc,
		Detector: detector.New(cfg, loc, logger),
		Resolver: resolver,
		Sink:     sink,
		Logger:   logger,
	})
}

func runWithin(t *testing.T, sup *Supervisor, pages ...browser.Page) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sup.Run(ctx, pages)
}

// -- Tests --

func TestRun_StopsAtMaxActions(t *testing.T) {
	log := &eventLog{}
	sup := newSupervisor(t, testConfig(), nil, log)

	require.NoError(t, runWithin(t, sup, votingSite()))

	snaps := sup.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 3, snaps[0].VoteCount)
	assert.Equal(t, Stopped, snaps[0].Status)
	assert.Equal(t, "max_actions", snaps[0].Reason)
	assert.Equal(t, 3, sup.TotalVotes())

	kinds := log.kinds("session-1")
	assert.Equal(t, progress.SessionStarted, kinds[0])
	assert.Equal(t, progress.SessionStopped, kinds[len(kinds)-1])
}

// The count only grows, by exactly one, and only with a confirmation.
func TestRun_VoteCountIsMonotonic(t *testing.T) {
	log := &eventLog{}
	cfg := testConfig()
	cfg.Sessions.MaxActions = 5
	sup := newSupervisor(t, cfg, nil, log)
	require.NoError(t, runWithin(t, sup, votingSite()))

	prev := 0
	confirmed := 0
	for _, e := range log.of("session-1") {
		switch {
		case e.Kind == progress.VoteConfirmed:
			confirmed++
			assert.Equal(t, prev+1, e.VoteCount)
		default:
			assert.Equal(t, prev, e.VoteCount, "count changed on %s", e.Kind)
		}
		prev = e.VoteCount
	}
	assert.Equal(t, 5, confirmed)
}

func TestRun_FailedSessionIsIsolated(t *testing.T) {
	sup := newSupervisor(t, testConfig(), nil, &eventLog{})
	broken := afterVote(voteDoc) // clicks never register

	require.NoError(t, runWithin(t, sup, votingSite(), broken, votingSite()))

	snaps := sup.Snapshots()
	require.Len(t, snaps, 3)
	assert.Contains(t, snaps[1].Reason, ErrUnexpectedState.Error())
	snaps[1].Reason = ""

	want := []Snapshot{
		{SessionID: "session-1", VoteCount: 3, Status: Stopped, Reason: "max_actions"},
		{SessionID: "session-2", VoteCount: 0, Status: Failed},
		{SessionID: "session-3", VoteCount: 3, Status: Stopped, Reason: "max_actions"},
	}
	ignore := cmpopts.IgnoreFields(Snapshot{}, "LastState", "ConsecutiveErrors", "StartedAt", "UpdatedAt")
	if diff := cmp.Diff(want, snaps, ignore); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, sup.TotalVotes())
}

func TestRun_AllFailed(t *testing.T) {
	sup := newSupervisor(t, testConfig(), nil, &eventLog{})
	err := runWithin(t, sup, afterVote(voteDoc), afterVote(voteDoc))
	assert.ErrorIs(t, err, ErrAllSessionsFailed)
}

func TestRun_ErrorPagesBackOffThenFail(t *testing.T) {
	log := &eventLog{}
	page := afterVote(errorDoc)
	sup := newSupervisor(t, testConfig(), nil, log)

	require.ErrorIs(t, runWithin(t, sup, page), ErrAllSessionsFailed)

	snap := sup.Snapshots()[0]
	assert.Equal(t, Failed, snap.Status)
	assert.Equal(t, 2, snap.ConsecutiveErrors)
	assert.GreaterOrEqual(t, page.Reloads(), 1)
	assert.Contains(t, log.kinds("session-1"), progress.ErrorDetected)
}

func TestRun_UnknownPageIsSnapshotted(t *testing.T) {
	cfg := testConfig()
	cfg.Debug.SnapshotDir = t.TempDir()
	page := dom.MustNew("", blankDoc)
	sup := newSupervisor(t, cfg, nil, &eventLog{})

	require.ErrorIs(t, runWithin(t, sup, page), ErrAllSessionsFailed)

	files, err := os.ReadDir(cfg.Debug.SnapshotDir)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.True(t, strings.HasPrefix(files[0].Name(), "session-1-"))
}

func TestRun_ChallengePausesAndCounts(t *testing.T) {
	log := &eventLog{}
	cfg := testConfig()
	cfg.Sessions.MaxActions = 1
	page := afterVote(challengeDoc)

	var calls atomic.Int32
	resolver := resolverFunc(func(ctx context.Context, req challenge.Request) challenge.Outcome {
		calls.Add(1)
		req.OnAwaitingManual()
		_ = page.SetHTML(confirmDoc)
		return challenge.Outcome{Final: challenge.Resolved, Manual: true, Path: []challenge.State{challenge.AwaitingManual, challenge.Resolved}}
	})
	sup := newSupervisor(t, cfg, resolver, log)
	require.NoError(t, runWithin(t, sup, page))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, sup.Snapshots()[0].VoteCount)
	kinds := log.kinds("session-1")
	assert.Subset(t, kinds, []progress.Kind{
		progress.ChallengeDetected, progress.ChallengeManualWait, progress.SessionPaused,
		progress.SessionResumed, progress.ChallengeResolved, progress.VoteConfirmed,
	})
}

func TestRun_ChallengeTimeoutsFailTheSession(t *testing.T) {
	log := &eventLog{}
	resolver := resolverFunc(func(ctx context.Context, req challenge.Request) challenge.Outcome {
		return challenge.Outcome{Final: challenge.TimedOut, Manual: true, Err: challenge.ErrChallengeTimeout}
	})
	sup := newSupervisor(t, testConfig(), resolver, log)

	require.ErrorIs(t, runWithin(t, sup, afterVote(challengeDoc)), ErrAllSessionsFailed)

	snap := sup.Snapshots()[0]
	assert.Equal(t, Failed, snap.Status)
	assert.Contains(t, snap.Reason, "2 consecutive challenge timeouts")

	timeouts := 0
	for _, k := range log.kinds("session-1") {
		if k == progress.ChallengeTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 2, timeouts)
}

func TestRun_ChallengeTimeoutsBackOff(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions.MaxChallengeTimeouts = 3
	cfg.Sessions.ErrorBackoff = config.BackoffConfig{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2}

	var mu sync.Mutex
	var calls []time.Time
	resolver := resolverFunc(func(ctx context.Context, req challenge.Request) challenge.Outcome {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return challenge.Outcome{Final: challenge.TimedOut, Manual: true, Err: challenge.ErrChallengeTimeout}
	})
	sup := newSupervisor(t, cfg, resolver, &eventLog{})

	require.ErrorIs(t, runWithin(t, sup, afterVote(challengeDoc)), ErrAllSessionsFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 50*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 100*time.Millisecond)
}

func TestRun_LoginPausesUntilSignedIn(t *testing.T) {
	log := &eventLog{}
	cfg := testConfig()
	cfg.Sessions.MaxActions = 1
	cfg.Sessions.LoginTimeout = 5 * time.Second

	page := dom.MustNew("https://example.test/vote", voteDoc)
	var first atomic.Bool
	page.OnClick = func(p *dom.Page, el browser.Element) {
		if el.Label != "Alice" {
			return
		}
		if first.CompareAndSwap(false, true) {
			_ = p.SetHTML(loginDoc)
			time.AfterFunc(40*time.Millisecond, func() { _ = p.SetHTML(voteDoc) })
			return
		}
		_ = p.SetHTML(confirmDoc)
	}

	sup := newSupervisor(t, cfg, nil, log)
	require.NoError(t, runWithin(t, sup, page))

	snap := sup.Snapshots()[0]
	assert.Equal(t, 1, snap.VoteCount)
	assert.Equal(t, Stopped, snap.Status)
	assert.Subset(t, log.kinds("session-1"), []progress.Kind{progress.SessionPaused, progress.SessionResumed})
}

func TestRun_LoginRedirectReturnsToTarget(t *testing.T) {
	log := &eventLog{}
	cfg := testConfig()
	cfg.Target.URL = "https://example.test/vote"
	cfg.Sessions.MaxActions = 1
	cfg.Sessions.LoginTimeout = 5 * time.Second

	page := dom.MustNew("https://example.test/vote?ref=home", voteDoc)
	var first atomic.Bool
	page.OnClick = func(p *dom.Page, el browser.Element) {
		if el.Label != "Alice" {
			return
		}
		if first.CompareAndSwap(false, true) {
			p.SetURL("https://accounts.google.com/signin")
			_ = p.SetHTML(loginDoc)
			time.AfterFunc(40*time.Millisecond, func() {
				// Signing in lands on the site's home page, not the ballot.
				p.SetURL("https://example.test/home")
				_ = p.SetHTML(blankDoc)
			})
			return
		}
		_ = p.SetHTML(confirmDoc)
	}
	page.OnNavigate = func(p *dom.Page, url string) { _ = p.SetHTML(voteDoc) }

	sup := newSupervisor(t, cfg, nil, log)
	require.NoError(t, runWithin(t, sup, page))

	snap := sup.Snapshots()[0]
	assert.Equal(t, 1, snap.VoteCount)
	assert.Equal(t, Stopped, snap.Status)
	assert.Equal(t, []string{"https://example.test/vote"}, page.Navigations())
	assert.Zero(t, page.Reloads())
	assert.Contains(t, log.kinds("session-1"), progress.TargetRestored)
}

func TestRun_StrayPageReturnsToTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Target.URL = "https://example.test/vote"

	// "Vote again" sends the tab to an unrelated page.
	page := dom.MustNew("https://example.test/vote", voteDoc)
	page.OnClick = func(p *dom.Page, el browser.Element) {
		switch {
		case el.Label == "Alice":
			_ = p.SetHTML(confirmDoc)
		case strings.Contains(el.Text, "Votar novamente"):
			p.SetURL("https://example.test/promo")
			_ = p.SetHTML(blankDoc)
		}
	}
	page.OnNavigate = func(p *dom.Page, url string) { _ = p.SetHTML(voteDoc) }

	sup := newSupervisor(t, cfg, nil, &eventLog{})
	require.NoError(t, runWithin(t, sup, page))

	snap := sup.Snapshots()[0]
	assert.Equal(t, 3, snap.VoteCount)
	assert.Equal(t, Stopped, snap.Status)
	assert.Len(t, page.Navigations(), 2)
}

func TestSameBase(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://example.test/vote", "https://example.test/vote", true},
		{"https://example.test/vote/?ref=1#top", "https://example.test/vote", true},
		{"http://EXAMPLE.test/vote", "https://example.test/vote", true},
		{"https://example.test/home", "https://example.test/vote", false},
		{"https://accounts.google.com/vote", "https://example.test/vote", false},
		{"about:blank", "https://example.test/vote", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sameBase(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestRun_LoginTimeoutFails(t *testing.T) {
	sup := newSupervisor(t, testConfig(), nil, &eventLog{})
	require.ErrorIs(t, runWithin(t, sup, afterVote(loginDoc)), ErrAllSessionsFailed)

	snap := sup.Snapshots()[0]
	assert.Equal(t, Failed, snap.Status)
	assert.Contains(t, snap.Reason, ErrLoginTimeout.Error())
}

func TestRun_ShutdownStopsSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions.MaxActions = -1
	cfg.Sessions.DelayRange = config.DelayRange{Min: 0.02, Max: 0.04}
	sup := newSupervisor(t, cfg, nil, &eventLog{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	start := time.Now()
	require.NoError(t, sup.Run(ctx, []browser.Page{votingSite(), votingSite()}))
	assert.Less(t, time.Since(start), 2*time.Second)

	for _, snap := range sup.Snapshots() {
		assert.Equal(t, Stopped, snap.Status)
		assert.Equal(t, "shutdown", snap.Reason)
		assert.Positive(t, snap.VoteCount)
	}
}

func TestRun_RejectsNoPages(t *testing.T) {
	sup := newSupervisor(t, testConfig(), nil, nil)
	assert.Error(t, sup.Run(context.Background(), nil))
}

func TestSnapshotJSON(t *testing.T) {
	b, err := json.Marshal(Snapshot{SessionID: "session-1", VoteCount: 2, Status: Paused})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"paused"`)
	assert.Contains(t, string(b), `"vote_count":2`)
	assert.True(t, Failed.Terminal())
	assert.False(t, Paused.Terminal())
}
