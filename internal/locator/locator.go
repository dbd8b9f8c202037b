// Package locator finds the clickable control behind a logical action using an
// ordered list of strategies, each with its own time budget.
package locator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/retry"
)

// ErrNotFound means no strategy found the action within its budget. It is an
// expected outcome, not a failure.
var ErrNotFound = errors.New("locator: action not found")

// LogicalAction names a control and the synonyms each strategy tries.
type LogicalAction struct {
	Name   string
	Labels []string
	Texts  []string
	Paths  []string
}

// ActionFromConfig builds the action from the expanded synonym table.
func ActionFromConfig(cfg *config.Config, name string) LogicalAction {
	ac := cfg.Action(name)
	return LogicalAction{Name: name, Labels: ac.Labels, Texts: ac.Texts, Paths: ac.Paths}
}

// ActionTarget is a located element and the strategy that found it. It is only
// valid for the page state it was found in.
type ActionTarget struct {
	Element  browser.Element
	Strategy string
}

// Step pairs a strategy with its time budget.
type Step struct {
	Strategy Strategy
	Timeout  time.Duration
}

// Locator runs its steps in priority order. It has no side effects on the page.
type Locator struct {
	steps  []Step
	poll   time.Duration
	logger *zap.Logger
}

// New creates a locator from explicit steps.
func New(steps []Step, poll time.Duration, logger *zap.Logger) *Locator {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Locator{steps: steps, poll: poll, logger: logger.Named("locator")}
}

// NewFromConfig builds the label, text, path chain.
func NewFromConfig(cfg config.LocatorConfig, logger *zap.Logger) *Locator {
	return New([]Step{
		{Strategy: LabelStrategy{}, Timeout: cfg.LabelTimeout},
		{Strategy: TextStrategy{}, Timeout: cfg.TextTimeout},
		{Strategy: PathStrategy{}, Timeout: cfg.PathTimeout},
	}, cfg.PollInterval, logger)
}

// Locate polls each applicable strategy until it finds the action or its timeout
// passes, then moves to the next one. A strategy that errors is treated as a
// miss. Only cancellation of ctx is returned as something other than ErrNotFound.
func (l *Locator) Locate(ctx context.Context, page browser.Page, action LogicalAction) (ActionTarget, error) {
	return l.run(ctx, page, action, true)
}

// Probe checks each strategy exactly once, without waiting.
func (l *Locator) Probe(ctx context.Context, page browser.Page, action LogicalAction) (ActionTarget, error) {
	return l.run(ctx, page, action, false)
}

func (l *Locator) run(ctx context.Context, page browser.Page, action LogicalAction, wait bool) (ActionTarget, error) {
	for _, step := range l.steps {
		if err := ctx.Err(); err != nil {
			return ActionTarget{}, err
		}
		if !step.Strategy.Applicable(action) {
			continue
		}

		el, found, err := l.try(ctx, page, action, step, wait)
		if found {
			l.logger.Debug("Action located",
				zap.String("action", action.Name),
				zap.String("strategy", step.Strategy.Name()))
			return ActionTarget{Element: el, Strategy: step.Strategy.Name()}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ActionTarget{}, ctxErr
		}
		if err != nil {
			l.logger.Debug("Strategy failed, trying next",
				zap.String("action", action.Name),
				zap.String("strategy", step.Strategy.Name()),
				zap.Error(err))
		}
	}
	return ActionTarget{}, ErrNotFound
}

func (l *Locator) try(ctx context.Context, page browser.Page, action LogicalAction, step Step, wait bool) (browser.Element, bool, error) {
	if !wait || step.Timeout <= 0 {
		return step.Strategy.Find(ctx, page, action)
	}

	var (
		el       browser.Element
		found    bool
		stratErr error
	)
	_, err := retry.Poll(ctx, retry.Fixed(l.poll, step.Timeout), func(ctx context.Context, attempt int) (bool, error) {
		el, found, stratErr = step.Strategy.Find(ctx, page, action)
		if stratErr != nil {
			// Give up on this strategy; the next one may still work.
			return true, nil
		}
		return found, nil
	})
	if err != nil && !errors.Is(err, retry.ErrTimeout) {
		return browser.Element{}, false, err
	}
	return el, found, stratErr
}
