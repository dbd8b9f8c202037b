// Package detector classifies a rendered page into a small set of semantic states.
package detector

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
)

const maxDetail = 120

// DurationObserver receives detection latencies.
type DurationObserver interface {
	ObserveDetect(d time.Duration)
}

// Detector evaluates its predicates in a fixed order: challenge, confirmation,
// error, primary action, then Unknown. It is stateless and safe to share.
type Detector struct {
	markers  config.MarkersConfig
	locator  *locator.Locator
	primary  locator.LogicalAction
	again    locator.LogicalAction
	slow     time.Duration
	logger   *zap.Logger
	observer DurationObserver
}

// Option customizes a Detector.
type Option func(*Detector)

// WithObserver reports each detection's latency.
func WithObserver(o DurationObserver) Option {
	return func(d *Detector) { d.observer = o }
}

// New creates a detector for the configured markers and actions.
func New(cfg *config.Config, loc *locator.Locator, logger *zap.Logger, opts ...Option) *Detector {
	d := &Detector{
		markers: cfg.Markers,
		locator: loc,
		primary: locator.ActionFromConfig(cfg, config.ActionPrimary),
		again:   locator.ActionFromConfig(cfg, config.ActionAgain),
		slow:    cfg.Detector.SlowThreshold,
		logger:  logger.Named("detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect classifies page as it is right now. It never waits for the page and
// always returns one of the non-Idle kinds; predicate failures count as absent.
func (d *Detector) Detect(ctx context.Context, page browser.Page) PageState {
	start := time.Now()
	state := d.classify(ctx, page)
	state.At = time.Now()

	elapsed := state.At.Sub(start)
	if d.observer != nil {
		d.observer.ObserveDetect(elapsed)
	}
	if d.slow > 0 && elapsed > d.slow {
		d.logger.Warn("Page state detection is slow; the site may be overloaded",
			zap.String("page", page.ID()),
			zap.Duration("elapsed", elapsed),
			zap.Stringer("state", state))
	}
	return state
}

func (d *Detector) classify(ctx context.Context, page browser.Page) PageState {
	if detail, ok := d.challenge(ctx, page); ok {
		return PageState{Kind: ChallengePresent, Detail: detail}
	}
	if detail, ok := d.confirmation(ctx, page); ok {
		return PageState{Kind: Confirmed, Detail: detail}
	}
	if detail, ok := d.loginRequired(ctx, page); ok {
		return PageState{Kind: ErrorPresent, Reason: ReasonLoginRequired, Detail: detail}
	}
	if detail, ok := d.pageError(ctx, page); ok {
		return PageState{Kind: ErrorPresent, Reason: ReasonPageError, Detail: detail}
	}
	if target, err := d.locator.Probe(ctx, page, d.primary); err == nil {
		return PageState{Kind: ActionAvailable, Detail: target.Strategy}
	}
	return PageState{Kind: Unknown}
}

// ChallengeActive reports whether an unsolved challenge is visible.
func (d *Detector) ChallengeActive(ctx context.Context, page browser.Page) bool {
	_, ok := d.challenge(ctx, page)
	return ok
}

// -- Predicates --

func (d *Detector) challenge(ctx context.Context, page browser.Page) (string, bool) {
	marker, ok := d.firstVisible(ctx, page, d.markers.Challenge.Selectors, nil)
	if !ok {
		return "", false
	}
	if d.solved(ctx, page) {
		return "", false
	}
	return marker, true
}

// solved reports whether a response token has been issued.
func (d *Detector) solved(ctx context.Context, page browser.Page) bool {
	for _, s := range d.markers.Challenge.SolvedSelectors {
		els, err := page.QueryAll(ctx, browser.ParseSelector(s))
		if err != nil {
			continue
		}
		for _, el := range els {
			if strings.TrimSpace(el.Value) != "" {
				return true
			}
		}
	}
	return false
}

func (d *Detector) confirmation(ctx context.Context, page browser.Page) (string, bool) {
	phrases := normalizeAll(d.markers.Confirmation.Texts)
	if detail, ok := d.firstVisible(ctx, page, d.markers.Confirmation.Selectors, phrases); ok {
		return detail, true
	}
	if target, err := d.locator.Probe(ctx, page, d.again); err == nil {
		return "again:" + target.Strategy, true
	}
	return "", false
}

func (d *Detector) loginRequired(ctx context.Context, page browser.Page) (string, bool) {
	if url, err := page.URL(ctx); err == nil {
		lower := strings.ToLower(url)
		for _, p := range d.markers.Login.URLPatterns {
			if p != "" && strings.Contains(lower, strings.ToLower(p)) {
				return "url:" + p, true
			}
		}
	}
	if len(d.markers.Login.Keywords) == 0 {
		return "", false
	}
	body, err := page.BodyText(ctx)
	if err != nil {
		return "", false
	}
	body = browser.NormalizeText(body)
	for _, k := range normalizeAll(d.markers.Login.Keywords) {
		if strings.Contains(body, k) {
			return "text:" + k, true
		}
	}
	return "", false
}

func (d *Detector) pageError(ctx context.Context, page browser.Page) (string, bool) {
	keywords := normalizeAll(d.markers.Error.Keywords)
	if len(keywords) == 0 {
		return "", false
	}
	return d.firstVisible(ctx, page, d.markers.Error.Selectors, keywords)
}

// firstVisible returns a detail for the first visible element matching any selector
// whose text contains one of phrases. With no phrases any visible match counts.
func (d *Detector) firstVisible(ctx context.Context, page browser.Page, selectors []string, phrases []string) (string, bool) {
	for _, s := range selectors {
		els, err := page.QueryAll(ctx, browser.ParseSelector(s))
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.logger.Debug("Predicate query failed", zap.String("selector", s), zap.Error(err))
			}
			continue
		}
		for _, el := range els {
			if !el.Visible {
				continue
			}
			if len(phrases) == 0 {
				return s, true
			}
			text := browser.NormalizeText(el.Text)
			for _, p := range phrases {
				if strings.Contains(text, p) {
					return truncate(el.Text), true
				}
			}
		}
	}
	return "", false
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := browser.NormalizeText(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxDetail {
		return s
	}
	return string(r[:maxDetail])
}
