package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/humanoid"
)

// maxTrackedNodes bounds the handle table. Handles older than the last reset
// report ErrDetached.
const maxTrackedNodes = 4096

// describeJS runs with the element as `this`.
const describeJS = `function() {
	const s = window.getComputedStyle(this);
	const attrs = {};
	for (const a of this.attributes) { attrs[a.name] = a.value; }
	return {
		tag: this.tagName.toLowerCase(),
		label: this.getAttribute('aria-label') || '',
		text: (this.innerText || this.textContent || '').trim(),
		value: this.value === undefined || this.value === null ? '' : String(this.value),
		shown: s.display !== 'none' && s.visibility !== 'hidden' && this.getAttribute('aria-hidden') !== 'true',
		enabled: !this.disabled && this.getAttribute('aria-disabled') !== 'true',
		attrs: attrs,
	};
}`

const (
	frameURLJS      = `function() { try { return this.contentDocument.location.href; } catch (e) { return this.src || ''; } }`
	frameTextJS     = `function() { const d = this.contentDocument; return d && d.body ? d.body.innerText : ''; }`
	frameSnapshotJS = `function() { const d = this.contentDocument; return d ? d.documentElement.outerHTML : ''; }`
)

type description struct {
	Tag     string            `json:"tag"`
	Label   string            `json:"label"`
	Text    string            `json:"text"`
	Value   string            `json:"value"`
	Shown   bool              `json:"shown"`
	Enabled bool              `json:"enabled"`
	Attrs   map[string]string `json:"attrs"`
}

// Tab is a live browser tab, or a frame inside one. It implements Page.
type Tab struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	human   *humanoid.Humanoid
	timeout time.Duration
	logger  *zap.Logger

	// frame is the iframe node this view is scoped to; nil for the top document.
	frame *cdp.Node
	root  *Tab

	mu    sync.Mutex
	nodes map[int64]*cdp.Node
}

var _ Page = (*Tab)(nil)

func newTab(id string, ctx context.Context, cancel context.CancelFunc, human *humanoid.Humanoid, timeout time.Duration, logger *zap.Logger) *Tab {
	t := &Tab{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		human:   human,
		timeout: timeout,
		logger:  logger.Named(id),
		nodes:   make(map[int64]*cdp.Node),
	}
	t.root = t
	return t
}

func (t *Tab) ID() string { return t.id }

// run executes actions on the tab's target, bounded by ctx and the action timeout.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	if t.timeout > 0 {
		var tc context.CancelFunc
		runCtx, tc = context.WithTimeout(runCtx, t.timeout)
		defer tc()
	}
	return chromedp.Run(runCtx, actions...)
}

func (t *Tab) URL(ctx context.Context) (string, error) {
	var u string
	if t.frame == nil {
		return u, t.run(ctx, chromedp.Location(&u))
	}
	return u, t.run(ctx, t.onFrame(frameURLJS, &u))
}

func (t *Tab) BodyText(ctx context.Context) (string, error) {
	var s string
	if t.frame == nil {
		return s, t.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &s))
	}
	return s, t.run(ctx, t.onFrame(frameTextJS, &s))
}

func (t *Tab) Snapshot(ctx context.Context) (string, error) {
	var s string
	if t.frame == nil {
		return s, t.run(ctx, chromedp.OuterHTML("html", &s, chromedp.ByQuery))
	}
	return s, t.run(ctx, t.onFrame(frameSnapshotJS, &s))
}

func (t *Tab) onFrame(fn string, res interface{}) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return callOnNode(ctx, t.frame.NodeID, fn, res)
	})
}

// callOnNode runs fn with the node as `this` and decodes its return value into res.
func callOnNode(ctx context.Context, id cdp.NodeID, fn string, res interface{}) error {
	obj, err := dom.ResolveNode().WithNodeID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetached, err)
	}
	defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()

	v, exp, err := runtime.CallFunctionOn(fn).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return err
	}
	if exp != nil {
		return exp
	}
	if v == nil || len(v.Value) == 0 {
		return nil
	}
	return json.Unmarshal([]byte(v.Value), res)
}

func (t *Tab) QueryAll(ctx context.Context, sel Selector) ([]Element, error) {
	opts := []chromedp.QueryOption{chromedp.AtLeast(0)}
	switch sel.Kind {
	case CSS:
		opts = append(opts, chromedp.ByQueryAll)
	case XPath:
		// DOM search is document wide and cannot be scoped to a frame.
		if t.frame != nil {
			return nil, fmt.Errorf("%w: xpath inside a frame", ErrUnsupportedSelector)
		}
		opts = append(opts, chromedp.BySearch)
	default:
		return nil, ErrUnsupportedSelector
	}
	if t.frame != nil {
		opts = append(opts, chromedp.FromNode(t.frame))
	}

	var nodes []*cdp.Node
	var out []Element
	err := t.run(ctx,
		chromedp.Nodes(sel.Expr, &nodes, opts...),
		chromedp.ActionFunc(func(ctx context.Context) error {
			out = make([]Element, 0, len(nodes))
			for _, n := range nodes {
				el, err := t.describe(ctx, n)
				if err != nil {
					// Nodes can vanish between the query and the description.
					t.logger.Debug("Skipping node", zap.Int64("node", int64(n.NodeID)), zap.Error(err))
					continue
				}
				out = append(out, el)
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tab) describe(ctx context.Context, n *cdp.Node) (Element, error) {
	var d description
	if err := callOnNode(ctx, n.NodeID, describeJS, &d); err != nil {
		return Element{}, err
	}

	el := Element{
		Handle:  int64(n.NodeID),
		Tag:     d.Tag,
		Label:   d.Label,
		Text:    d.Text,
		Value:   d.Value,
		Enabled: d.Enabled,
		Attrs:   d.Attrs,
	}
	if box, ok := boxOf(ctx, n.NodeID); ok {
		el.Box = box
		el.Visible = d.Shown && box.Width > 0 && box.Height > 0
	}
	t.track(n)
	return el, nil
}

// boxOf reads the border box. Unrendered nodes have none.
func boxOf(ctx context.Context, id cdp.NodeID) (Rect, bool) {
	model, err := dom.GetBoxModel().WithNodeID(id).Do(ctx)
	if err != nil || model == nil || len(model.Border) < 8 {
		return Rect{}, false
	}
	q := model.Border
	minX, minY, maxX, maxY := q[0], q[1], q[0], q[1]
	for i := 2; i+1 < len(q); i += 2 {
		minX, maxX = min(minX, q[i]), max(maxX, q[i])
		minY, maxY = min(minY, q[i+1]), max(maxY, q[i+1])
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
}

func (t *Tab) track(n *cdp.Node) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	if len(t.root.nodes) >= maxTrackedNodes {
		t.root.nodes = make(map[int64]*cdp.Node)
	}
	t.root.nodes[int64(n.NodeID)] = n
}

func (t *Tab) node(handle int64) (*cdp.Node, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	n, ok := t.root.nodes[handle]
	if !ok {
		return nil, ErrDetached
	}
	return n, nil
}

// Frame scopes a view to the content document of the first matching iframe.
func (t *Tab) Frame(ctx context.Context, sel Selector) (Page, error) {
	els, err := t.QueryAll(ctx, sel)
	if err != nil {
		return nil, err
	}
	for _, el := range els {
		if el.Tag != "iframe" && el.Tag != "frame" {
			continue
		}
		n, err := t.node(el.Handle)
		if err != nil {
			continue
		}
		return &Tab{
			id:      t.id + "/" + sel.Expr,
			ctx:     t.ctx,
			human:   t.human,
			timeout: t.timeout,
			logger:  t.logger,
			frame:   n,
			root:    t.root,
		}, nil
	}
	return nil, ErrFrameNotFound
}

// Click scrolls el into view and clicks it with the humanoid pointer.
// Box-model coordinates are relative to the main frame, so frames need no offset.
func (t *Tab) Click(ctx context.Context, el Element) error {
	n, err := t.node(el.Handle)
	if err != nil {
		return err
	}
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithNodeID(n.NodeID).Do(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrDetached, err)
		}
		box, ok := boxOf(ctx, n.NodeID)
		if !ok {
			return fmt.Errorf("%w: element has no layout box", ErrDetached)
		}
		return t.human.Click(ctx, box.Box())
	}))
}

// CaptureElement returns a PNG of el.
func (t *Tab) CaptureElement(ctx context.Context, el Element) ([]byte, error) {
	n, err := t.node(el.Handle)
	if err != nil {
		return nil, err
	}
	var buf []byte
	if err := t.run(ctx, chromedp.Screenshot([]cdp.NodeID{n.NodeID}, &buf, chromedp.ByNodeID)); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("browser: empty screenshot")
	}
	return buf, nil
}

// Reload reloads the whole tab, even from a frame view.
func (t *Tab) Reload(ctx context.Context) error {
	t.root.mu.Lock()
	t.root.nodes = make(map[int64]*cdp.Node)
	t.root.mu.Unlock()
	return t.root.run(ctx, chromedp.Reload())
}

// Navigate loads url in the whole tab, even from a frame view.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.root.mu.Lock()
	t.root.nodes = make(map[int64]*cdp.Node)
	t.root.mu.Unlock()
	return t.root.run(ctx, chromedp.Navigate(url))
}

// BringToFront raises the tab's window for the operator.
func (t *Tab) BringToFront(ctx context.Context) error {
	return t.root.run(ctx, page.BringToFront())
}

func (t *Tab) close(timeout time.Duration) {
	if t.cancel == nil {
		return
	}
	closeContext(t.ctx, t.cancel, timeout, t.logger)
}
