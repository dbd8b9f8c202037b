// Package challenge decides, for each visual challenge, whether the classifier
// can answer it or a person has to, and supervises the manual hand-off.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/classifier"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/detector"
	"github.com/xkilldash9x/cadence-cli/internal/observability"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
	"github.com/xkilldash9x/cadence-cli/internal/retry"
)

// Reasons for handing a challenge to the operator.
const (
	ReasonNoClassifier   = "classifier_unavailable"
	ReasonExtractFailed  = "extract_failed"
	ReasonUnknownPrompt  = "unknown_prompt"
	ReasonLowConfidence  = "low_confidence"
	ReasonNoMatch        = "no_matching_cells"
	ReasonAutoFailed     = "auto_failed"
	ReasonRoundsExceeded = "rounds_exceeded"
)

// Predictor is the part of the model the resolver needs.
type Predictor interface {
	PredictImage(img image.Image) (classifier.Prediction, error)
}

// StateDetector classifies the page.
type StateDetector interface {
	Detect(ctx context.Context, page browser.Page) detector.PageState
}

// GridExtractor snapshots an open challenge.
type GridExtractor interface {
	Extract(ctx context.Context, page browser.Page) (*Instance, error)
}

// Settings tunes the resolver.
type Settings struct {
	Threshold     float64
	Categories    map[string][]string
	MaxAutoRounds int
	PollInterval  time.Duration
	ManualTimeout time.Duration
	SettleTimeout time.Duration
}

// SettingsFromConfig maps the challenge section.
func SettingsFromConfig(c config.ChallengeConfig) Settings {
	return Settings{
		Threshold:     c.AcceptanceThreshold,
		Categories:    c.Categories,
		MaxAutoRounds: c.MaxAutoRounds,
		PollInterval:  c.PollInterval,
		ManualTimeout: c.Timeout(),
		SettleTimeout: c.SettleTimeout,
	}
}

// Deps are the resolver's collaborators. Model may be nil, which selects
// manual-only mode; do not pass a typed nil.
type Deps struct {
	Extractor GridExtractor
	Locator   *locator.Locator
	Detector  StateDetector
	Model     Predictor
	Human     HumanInterventionChannel
	Submit    locator.LogicalAction
	Logger    *zap.Logger
}

// Request is one challenge occurrence in one session.
type Request struct {
	SessionID string
	Page      browser.Page
	// OnAwaitingManual runs when the resolver starts waiting for a person.
	OnAwaitingManual func()
}

// Resolver is stateless across calls and safe to share between sessions.
type Resolver struct {
	s Settings
	d Deps
}

// New creates a resolver.
func New(s Settings, d Deps) *Resolver {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("resolver")
	return &Resolver{s: s, d: d}
}

// Available reports whether a classifier is loaded.
func (r *Resolver) Available() bool { return r.d.Model != nil }

// Resolve drives one challenge to Resolved or TimedOut. On cancellation it
// returns early with Err set to the context error and Final left at the state
// that was interrupted.
func (r *Resolver) Resolve(ctx context.Context, req Request) Outcome {
	var out Outcome
	log := observability.ForSession(r.d.Logger, req.SessionID)

	if r.d.Model == nil {
		out.enter(Extracting)
		prompt := ""
		// Best effort: opening the grid saves the operator a click.
		if inst, err := r.d.Extractor.Extract(ctx, req.Page); err == nil {
			prompt = inst.Prompt
		} else if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}
		log.Info("Classifier unavailable, escalating to manual resolution", zap.Error(ErrClassifierUnavailable))
		return r.awaitManual(ctx, req, prompt, ReasonNoClassifier, out)
	}

	var (
		prompt string
		reason = ReasonRoundsExceeded
	)
	for round := 1; round <= r.s.MaxAutoRounds; round++ {
		out.Rounds = round
		out.enter(Extracting)
		inst, err := r.d.Extractor.Extract(ctx, req.Page)
		if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}
		if err != nil {
			log.Warn("Challenge extraction failed", zap.Int("round", round), zap.Error(err))
			reason = ReasonExtractFailed
			break
		}
		prompt = inst.Prompt

		out.enter(Classifying)
		picks, why := r.plan(inst)
		if picks == nil {
			log.Info("Classifier declined challenge",
				zap.String("prompt", inst.Prompt),
				zap.String("reason", why))
			reason = why
			break
		}

		out.enter(AutoResolving)
		if err := r.autoResolve(ctx, inst, picks, &out); err != nil {
			if ctx.Err() != nil {
				out.Err = ctx.Err()
				return out
			}
			log.Warn("Automatic resolution failed", zap.Error(err))
			reason = ReasonAutoFailed
			break
		}
		if r.settled(ctx, req.Page) {
			out.enter(Resolved)
			log.Info("Challenge resolved automatically", zap.Int("round", round), zap.Ints("clicked", out.Clicked))
			return out
		}
		if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}
		log.Debug("Challenge asked for another round", zap.Int("round", round))
	}
	return r.awaitManual(ctx, req, prompt, reason, out)
}

// plan returns the cells to click, or nil and the reason auto resolution is
// not allowed. Every cell must clear the threshold, not only the matches.
func (r *Resolver) plan(inst *Instance) ([]int, string) {
	category, ok := CategoryFor(inst.Prompt, r.s.Categories)
	if !ok {
		return nil, ReasonUnknownPrompt
	}
	if known, ok := r.d.Model.(interface{ Categories() []string }); ok && !slices.Contains(known.Categories(), category) {
		return nil, ReasonUnknownPrompt
	}

	var picks []int
	for _, c := range inst.Cells {
		p, err := r.d.Model.PredictImage(c.Image)
		if err != nil || p.Confidence < r.s.Threshold {
			return nil, ReasonLowConfidence
		}
		if p.Label == category {
			picks = append(picks, c.Index)
		}
	}
	if len(picks) == 0 {
		return nil, ReasonNoMatch
	}
	return picks, ""
}

func (r *Resolver) autoResolve(ctx context.Context, inst *Instance, picks []int, out *Outcome) error {
	for _, idx := range picks {
		if err := inst.Frame.Click(ctx, inst.Cells[idx].Element); err != nil {
			return fmt.Errorf("click cell %d: %w", idx, err)
		}
		out.Clicked = append(out.Clicked, idx)
	}
	target, err := r.d.Locator.Locate(ctx, inst.Frame, r.d.Submit)
	if err != nil {
		return fmt.Errorf("locate submit: %w", err)
	}
	if err := inst.Frame.Click(ctx, target.Element); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	out.Submitted = true
	return nil
}

// settled waits for the challenge markers to go away after a submit.
func (r *Resolver) settled(ctx context.Context, page browser.Page) bool {
	_, err := retry.Poll(ctx, retry.Fixed(r.s.PollInterval, r.s.SettleTimeout), func(ctx context.Context, _ int) (bool, error) {
		return r.d.Detector.Detect(ctx, page).Kind != detector.ChallengePresent, nil
	})
	return err == nil
}

func (r *Resolver) awaitManual(ctx context.Context, req Request, prompt, reason string, out Outcome) Outcome {
	out.enter(AwaitingManual)
	out.Manual = true
	log := observability.ForSession(r.d.Logger, req.SessionID).With(zap.String("reason", reason))

	if req.OnAwaitingManual != nil {
		req.OnAwaitingManual()
	}
	if r.d.Human != nil {
		if err := r.d.Human.Request(ctx, InterventionRequest{
			SessionID: req.SessionID,
			Page:      req.Page,
			Prompt:    prompt,
			Reason:    reason,
		}); err != nil {
			log.Warn("Operator request failed", zap.Error(err))
		}
		defer r.d.Human.Release(context.WithoutCancel(ctx), req.SessionID)
	}

	started := time.Now()
	_, err := retry.Poll(ctx, retry.Fixed(r.s.PollInterval, r.s.ManualTimeout), func(ctx context.Context, _ int) (bool, error) {
		return r.d.Detector.Detect(ctx, req.Page).Kind != detector.ChallengePresent, nil
	})
	switch {
	case err == nil:
		out.enter(Resolved)
		log.Info("Challenge resolved manually", zap.Duration("waited", time.Since(started)))
	case errors.Is(err, retry.ErrTimeout):
		out.enter(TimedOut)
		out.Err = fmt.Errorf("%w after %s", ErrChallengeTimeout, r.s.ManualTimeout)
		log.Warn("Manual challenge resolution timed out", zap.Duration("timeout", r.s.ManualTimeout))
	default:
		out.Err = err
	}
	return out
}

// CategoryFor maps a prompt to a configured category by case-insensitive
// substring match on the category name or any of its synonyms.
func CategoryFor(prompt string, categories map[string][]string) (string, bool) {
	p := browser.NormalizeText(prompt)
	if p == "" {
		return "", false
	}
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, syn := range append([]string{name}, categories[name]...) {
			if s := browser.NormalizeText(syn); s != "" && strings.Contains(p, s) {
				return name, true
			}
		}
	}
	return "", false
}
