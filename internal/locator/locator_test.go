package locator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/browser/dom"
	"github.com/xkilldash9x/cadence-cli/internal/config"
)

const votePage = `<html><body>
  <button aria-label="Participante Alice" data-box="10,10,100,40">Alice</button>
  <button data-box="10,60,100,40">Votar em Bob</button>
  <div class="cards"><button id="carol" data-box="10,110,100,40">C</button></div>
  <button aria-label="Dave" disabled>Dave</button>
</body></html>`

func fastLocator(t *testing.T) *Locator {
	return NewFromConfig(config.LocatorConfig{
		LabelTimeout: 60 * time.Millisecond,
		TextTimeout:  60 * time.Millisecond,
		PathTimeout:  60 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
}

func TestLocate(t *testing.T) {
	ctx := context.Background()

	t.Run("should prefer exact label over partial label", func(t *testing.T) {
		page := dom.MustNew("", `<button aria-label="Alice Smith">x</button><button aria-label="Alice">y</button>`)
		target, err := fastLocator(t).Locate(ctx, page, LogicalAction{Name: "primary", Labels: []string{"Alice"}})
		require.NoError(t, err)
		assert.Equal(t, StrategyLabel, target.Strategy)
		assert.Equal(t, "Alice", target.Element.Label)
	})

	t.Run("should fall back to partial label case-insensitively", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		target, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{"alice"}})
		require.NoError(t, err)
		assert.Equal(t, StrategyLabel, target.Strategy)
		assert.Equal(t, "Participante Alice", target.Element.Label)
	})

	t.Run("should ignore blank label synonyms", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		_, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{"", "   "}})
		assert.ErrorIs(t, err, ErrNotFound)

		target, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{" ", "Alice"}})
		require.NoError(t, err)
		assert.Equal(t, "Participante Alice", target.Element.Label)
	})

	t.Run("should fall back to text when no label matches", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		target, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{"Bob"}, Texts: []string{"bob"}})
		require.NoError(t, err)
		assert.Equal(t, StrategyText, target.Strategy)
		assert.Equal(t, "Votar em Bob", target.Element.Text)
	})

	t.Run("should fall back to structural path last", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		target, err := fastLocator(t).Locate(ctx, page, LogicalAction{
			Labels: []string{"Carol"},
			Texts:  []string{"Carol"},
			Paths:  []string{"xpath=//div[@class='cards']/button", "#carol"},
		})
		require.NoError(t, err)
		assert.Equal(t, StrategyPath, target.Strategy)
		assert.Equal(t, "carol", target.Element.Attr("id"))
	})

	t.Run("should return the text target when the label strategy throws", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		page.QueryHook = func(sel browser.Selector) error {
			if sel.Expr == "[aria-label]" {
				return errors.New("label query exploded")
			}
			return nil
		}
		start := time.Now()
		target, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{"Bob"}, Texts: []string{"Votar em Bob"}})
		require.NoError(t, err)
		assert.Equal(t, StrategyText, target.Strategy)
		assert.Equal(t, "Votar em Bob", target.Element.Text)
		assert.Less(t, time.Since(start), 50*time.Millisecond, "an erroring strategy is abandoned immediately")
	})

	t.Run("should skip disabled and hidden elements", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		_, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{"Dave"}})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should return not found after spending each budget", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		start := time.Now()
		_, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{"Zed"}, Texts: []string{"Zed"}})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
	})

	t.Run("should find an element that appears while polling", func(t *testing.T) {
		page := dom.MustNew("", `<body></body>`)
		go func() {
			time.Sleep(25 * time.Millisecond)
			_ = page.SetHTML(`<button aria-label="Late">late</button>`)
		}()
		target, err := fastLocator(t).Locate(ctx, page, LogicalAction{Labels: []string{"Late"}})
		require.NoError(t, err)
		assert.Equal(t, "Late", target.Element.Label)
	})

	t.Run("should stop on cancellation", func(t *testing.T) {
		page := dom.MustNew("", votePage)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := fastLocator(t).Locate(cctx, page, LogicalAction{Labels: []string{"Zed"}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// countingStrategy never finds anything and counts how often it was asked.
type countingStrategy struct{ calls atomic.Int32 }

func (c *countingStrategy) Name() string                    { return "counting" }
func (c *countingStrategy) Applicable(a LogicalAction) bool { return true }
func (c *countingStrategy) Find(ctx context.Context, p browser.Page, a LogicalAction) (browser.Element, bool, error) {
	c.calls.Add(1)
	return browser.Element{}, false, nil
}

func TestProbe(t *testing.T) {
	s := &countingStrategy{}
	l := New([]Step{{Strategy: s, Timeout: time.Second}}, 10*time.Millisecond, zaptest.NewLogger(t))

	start := time.Now()
	_, err := l.Probe(context.Background(), dom.MustNew("", "<p/>"), LogicalAction{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), s.calls.Load())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestActionFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Target.Label = "Alice"

	a := ActionFromConfig(cfg, config.ActionPrimary)
	assert.Equal(t, "primary", a.Name)
	assert.Equal(t, []string{"Alice"}, a.Labels)
	assert.Equal(t, []string{`xpath=//button[contains(., "Alice")]`}, a.Paths)
}
