package locator

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
)

// Strategy finds one element for an action using a single technique.
type Strategy interface {
	Name() string
	// Applicable reports whether the action gives this strategy anything to try.
	Applicable(action LogicalAction) bool
	// Find inspects the page once. found=false with a nil error is a normal miss.
	Find(ctx context.Context, page browser.Page, action LogicalAction) (el browser.Element, found bool, err error)
}

const (
	StrategyLabel = "label"
	StrategyText  = "text"
	StrategyPath  = "path"
)

// usable filters out elements a person could not click.
func usable(el browser.Element) bool {
	return el.Visible && el.Enabled
}

// -- Label --

// LabelStrategy matches aria-label: exact first, then case-insensitive containment.
type LabelStrategy struct{}

func (LabelStrategy) Name() string { return StrategyLabel }

func (LabelStrategy) Applicable(a LogicalAction) bool { return len(a.Labels) > 0 }

func (LabelStrategy) Find(ctx context.Context, page browser.Page, a LogicalAction) (browser.Element, bool, error) {
	els, err := page.QueryAll(ctx, browser.ByCSS("[aria-label]"))
	if err != nil {
		return browser.Element{}, false, err
	}
	for _, want := range a.Labels {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		for _, el := range els {
			if usable(el) && strings.TrimSpace(el.Label) == want {
				return el, true, nil
			}
		}
	}
	for _, want := range a.Labels {
		needle := browser.NormalizeText(want)
		if needle == "" {
			continue
		}
		for _, el := range els {
			if usable(el) && strings.Contains(browser.NormalizeText(el.Label), needle) {
				return el, true, nil
			}
		}
	}
	return browser.Element{}, false, nil
}

// -- Text --

// clickableCSS covers the elements a visible caption can belong to.
const clickableCSS = `button, a, [role="button"], input[type="submit"], input[type="button"]`

// TextStrategy matches the visible caption of clickable elements, case-insensitively.
type TextStrategy struct{}

func (TextStrategy) Name() string { return StrategyText }

func (TextStrategy) Applicable(a LogicalAction) bool { return len(a.Texts) > 0 }

func (TextStrategy) Find(ctx context.Context, page browser.Page, a LogicalAction) (browser.Element, bool, error) {
	els, err := page.QueryAll(ctx, browser.ByCSS(clickableCSS))
	if err != nil {
		return browser.Element{}, false, err
	}
	for _, want := range a.Texts {
		needle := browser.NormalizeText(want)
		if needle == "" {
			continue
		}
		for _, el := range els {
			caption := el.Text
			if caption == "" {
				caption = el.Value
			}
			if usable(el) && strings.Contains(browser.NormalizeText(caption), needle) {
				return el, true, nil
			}
		}
	}
	return browser.Element{}, false, nil
}

// -- Path --

// PathStrategy tries structural CSS or XPath expressions in order.
type PathStrategy struct{}

func (PathStrategy) Name() string { return StrategyPath }

func (PathStrategy) Applicable(a LogicalAction) bool { return len(a.Paths) > 0 }

// Find keeps going past a failing expression; the first error is returned only
// when nothing matched.
func (PathStrategy) Find(ctx context.Context, page browser.Page, a LogicalAction) (browser.Element, bool, error) {
	var errs []error
	for _, p := range a.Paths {
		els, err := page.QueryAll(ctx, browser.ParseSelector(p))
		if err != nil {
			if ctx.Err() != nil {
				return browser.Element{}, false, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		for _, el := range els {
			if usable(el) {
				return el, true, nil
			}
		}
	}
	return browser.Element{}, false, errors.Join(errs...)
}
