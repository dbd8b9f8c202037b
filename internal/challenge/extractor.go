package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/classifier"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
	"github.com/xkilldash9x/cadence-cli/internal/retry"
)

// Extractor reads the prompt and cell images of an open challenge.
type Extractor struct {
	markers  config.ChallengeMarkers
	gridSize int
	settle   time.Duration
	poll     time.Duration
	locator  *locator.Locator
	checkbox locator.LogicalAction
	logger   *zap.Logger
}

// NewExtractor builds an extractor from configuration.
func NewExtractor(cfg *config.Config, loc *locator.Locator, logger *zap.Logger) *Extractor {
	return &Extractor{
		markers:  cfg.Markers.Challenge,
		gridSize: cfg.Challenge.GridSize,
		settle:   cfg.Challenge.SettleTimeout,
		poll:     cfg.Locator.PollInterval,
		locator:  loc,
		checkbox: locator.ActionFromConfig(cfg, config.ActionCheckbox),
		logger:   logger.Named("extractor"),
	}
}

// Extract opens the grid if needed and snapshots it.
func (e *Extractor) Extract(ctx context.Context, page browser.Page) (*Instance, error) {
	// 1. Make sure the image grid is showing; the anchor checkbox opens it.
	if !e.gridOpen(ctx, page) {
		if err := e.openGrid(ctx, page); err != nil {
			return nil, err
		}
	}

	frame, err := firstFrame(ctx, page, e.markers.ChallengeFrames)
	if err != nil {
		return nil, err
	}

	// 2. Prompt.
	prompt := e.prompt(ctx, frame)

	// 3. Cells, in grid order.
	els, err := e.cells(ctx, frame)
	if err != nil {
		return nil, err
	}

	// 4. Images.
	inst := &Instance{Prompt: prompt, Frame: frame, CreatedAt: time.Now()}
	for i, el := range els {
		data, err := frame.CaptureElement(ctx, el)
		if err != nil {
			return nil, fmt.Errorf("challenge: capture cell %d: %w", i, err)
		}
		img, err := classifier.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("challenge: cell %d: %w", i, err)
		}
		inst.Cells = append(inst.Cells, Cell{Index: i, Element: el, Image: img})
	}
	e.logger.Debug("Challenge extracted", zap.String("prompt", prompt), zap.Int("cells", len(inst.Cells)))
	return inst, nil
}

// gridOpen reports whether a challenge frame is visible and tall enough to hold the grid.
func (e *Extractor) gridOpen(ctx context.Context, page browser.Page) bool {
	for _, s := range e.markers.ChallengeFrames {
		els, err := page.QueryAll(ctx, browser.ParseSelector(s))
		if err != nil {
			continue
		}
		for _, el := range els {
			if el.Visible && el.Box.Height >= e.markers.GridOpenMinHeight {
				return true
			}
		}
	}
	return false
}

func (e *Extractor) openGrid(ctx context.Context, page browser.Page) error {
	anchor, err := firstFrame(ctx, page, e.markers.AnchorFrames)
	if err != nil {
		return err
	}
	target, err := e.locator.Locate(ctx, anchor, e.checkbox)
	if err != nil {
		return fmt.Errorf("challenge: checkbox: %w", err)
	}
	if err := anchor.Click(ctx, target.Element); err != nil {
		return fmt.Errorf("challenge: click checkbox: %w", err)
	}
	e.logger.Debug("Clicked challenge checkbox", zap.String("strategy", target.Strategy))

	_, err = retry.Poll(ctx, retry.Fixed(e.poll, e.settle), func(ctx context.Context, _ int) (bool, error) {
		return e.gridOpen(ctx, page), nil
	})
	if err != nil {
		return fmt.Errorf("challenge: grid did not open: %w", err)
	}
	return nil
}

func (e *Extractor) prompt(ctx context.Context, frame browser.Page) string {
	for _, s := range e.markers.PromptSelectors {
		els, err := frame.QueryAll(ctx, browser.ParseSelector(s))
		if err != nil {
			continue
		}
		for _, el := range els {
			if t := strings.TrimSpace(el.Text); el.Visible && t != "" {
				return t
			}
		}
	}
	return ""
}

// cells returns exactly gridSize visible cells from the first selector that has them.
func (e *Extractor) cells(ctx context.Context, frame browser.Page) ([]browser.Element, error) {
	best := 0
	for _, s := range e.markers.CellSelectors {
		els, err := frame.QueryAll(ctx, browser.ParseSelector(s))
		if err != nil {
			continue
		}
		visible := els[:0]
		for _, el := range els {
			if el.Visible {
				visible = append(visible, el)
			}
		}
		if len(visible) >= e.gridSize {
			return visible[:e.gridSize], nil
		}
		best = max(best, len(visible))
	}
	return nil, fmt.Errorf("%w: found %d of %d", ErrIncompleteGrid, best, e.gridSize)
}

// firstFrame returns the first frame any selector resolves.
func firstFrame(ctx context.Context, page browser.Page, selectors []string) (browser.Page, error) {
	var errs []error
	for _, s := range selectors {
		f, err := page.Frame(ctx, browser.ParseSelector(s))
		if err == nil {
			return f, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, browser.ErrFrameNotFound
	}
	return nil, errors.Join(errs...)
}
