// Package dom implements browser.Page over a static HTML document. It backs the
// inspect command and lets the core run against fixtures without a browser.
//
// Rendering is approximated: an element is hidden when it or an ancestor carries
// the hidden attribute, aria-hidden="true", display:none or visibility:hidden in
// its inline style, or a zero-sized data-box. Layout comes from data-box="x,y,w,h".
// Frames are iframe elements with a srcdoc attribute.
package dom

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
)

// ClickFunc observes a click. It runs without the page lock held, so it may
// call SetHTML or any other Page method.
type ClickFunc func(p *Page, el browser.Element)

// Page is a static, mutable HTML document.
type Page struct {
	mu      sync.Mutex
	id      string
	url     string
	root    *html.Node
	doc     *goquery.Document
	handles map[*html.Node]int64
	nodes   map[int64]*html.Node
	frames  map[*html.Node]*Page
	images  map[string][]byte
	next    int64

	clicks      []browser.Element
	reloads     int
	navigations []string

	// OnClick runs after a click is recorded.
	OnClick ClickFunc
	// OnReload runs after a reload is recorded.
	OnReload func(p *Page)
	// OnNavigate runs after a navigation is recorded and the URL updated.
	OnNavigate func(p *Page, url string)
	// QueryHook may fail a query before it is evaluated, to simulate a flaky page.
	QueryHook func(sel browser.Selector) error
}

var _ browser.Page = (*Page)(nil)

// New parses src into a Page.
func New(url, src string) (*Page, error) {
	p := &Page{
		id:     uuid.NewString(),
		url:    url,
		images: make(map[string][]byte),
	}
	if err := p.SetHTML(src); err != nil {
		return nil, err
	}
	return p, nil
}

// MustNew is New for fixtures; it panics on malformed input.
func MustNew(url, src string) *Page {
	p, err := New(url, src)
	if err != nil {
		panic(err)
	}
	return p
}

// SetHTML replaces the document, as a navigation would. Earlier handles become detached.
func (p *Page) SetHTML(src string) error {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("dom: parse document: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = root
	p.doc = goquery.NewDocumentFromNode(root)
	p.handles = make(map[*html.Node]int64)
	p.nodes = make(map[int64]*html.Node)
	p.frames = make(map[*html.Node]*Page)
	return nil
}

// SetURL changes the reported location.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// SetImage registers the bytes CaptureElement returns for the element with this id.
func (p *Page) SetImage(elementID string, png []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.images[elementID] = png
}

// Clicks returns the elements clicked so far, in order.
func (p *Page) Clicks() []browser.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Element(nil), p.clicks...)
}

// Reloads returns how often Reload was called.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Page) ID() string { return p.id }

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) BodyText(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return collapse(p.doc.Find("body").Text()), nil
}

func (p *Page) QueryAll(ctx context.Context, sel browser.Selector) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook := p.QueryHook; hook != nil {
		if err := hook(sel); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := p.match(sel)
	if err != nil {
		return nil, err
	}
	out := make([]browser.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, p.describe(n))
	}
	return out, nil
}

// Frame returns the document of the first matching iframe with a srcdoc.
// The child page is cached so its state survives repeated lookups.
func (p *Page) Frame(ctx context.Context, sel browser.Selector) (browser.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := p.match(sel)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Type != html.ElementNode || n.Data != "iframe" {
			continue
		}
		if child, ok := p.frames[n]; ok {
			return child, nil
		}
		srcdoc, ok := attr(n, "srcdoc")
		if !ok {
			continue
		}
		child, err := New(p.url, srcdoc)
		if err != nil {
			return nil, err
		}
		child.QueryHook = p.QueryHook
		p.frames[n] = child
		return child, nil
	}
	return nil, fmt.Errorf("%w: %s", browser.ErrFrameNotFound, sel)
}

func (p *Page) Click(ctx context.Context, el browser.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	n, ok := p.nodes[el.Handle]
	if !ok {
		p.mu.Unlock()
		return browser.ErrDetached
	}
	current := p.describe(n)
	p.clicks = append(p.clicks, current)
	hook := p.OnClick
	p.mu.Unlock()

	if hook != nil {
		hook(p, current)
	}
	return nil
}

func (p *Page) CaptureElement(ctx context.Context, el browser.Element) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[el.Handle]
	if !ok {
		return nil, browser.ErrDetached
	}
	id, _ := attr(n, "id")
	img, ok := p.images[id]
	if !ok {
		return nil, fmt.Errorf("dom: no image registered for element %q", id)
	}
	return img, nil
}

func (p *Page) Reload(ctx context.Context) error {
	p.mu.Lock()
	p.reloads++
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

// Navigate moves the page to url. The document stays until OnNavigate replaces it.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.navigations = append(p.navigations, url)
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

// Navigations returns the URLs passed to Navigate, in order.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

func (p *Page) Snapshot(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, p.root); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// match evaluates sel against the document. Assumes the lock is held.
// An invalid CSS selector matches nothing, as goquery treats it.
func (p *Page) match(sel browser.Selector) ([]*html.Node, error) {
	switch sel.Kind {
	case browser.XPath:
		nodes, err := htmlquery.QueryAll(p.root, sel.Expr)
		if err != nil {
			return nil, fmt.Errorf("dom: bad xpath %q: %w", sel.Expr, err)
		}
		return nodes, nil
	case browser.CSS:
		return p.doc.Find(sel.Expr).Nodes, nil
	default:
		return nil, browser.ErrUnsupportedSelector
	}
}

// describe snapshots a node. Assumes the lock is held.
func (p *Page) describe(n *html.Node) browser.Element {
	h, ok := p.handles[n]
	if !ok {
		p.next++
		h = p.next
		p.handles[n] = h
		p.nodes[h] = n
	}

	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	sel := goquery.NewDocumentFromNode(n).Selection
	text := collapse(sel.Text())

	value := attrs["value"]
	if n.Data == "textarea" {
		value = strings.TrimSpace(sel.Text())
	}

	box := parseBox(attrs["data-box"])
	_, disabled := attrs["disabled"]

	return browser.Element{
		Handle:  h,
		Tag:     n.Data,
		Label:   attrs["aria-label"],
		Text:    text,
		Value:   value,
		Visible: visible(n),
		Enabled: !disabled && attrs["aria-disabled"] != "true",
		Box:     box,
		Attrs:   attrs,
	}
}

// visible walks up the tree looking for anything that hides n.
func visible(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if _, ok := attr(cur, "hidden"); ok {
			return false
		}
		if v, _ := attr(cur, "aria-hidden"); v == "true" {
			return false
		}
		if v, _ := attr(cur, "type"); cur.Data == "input" && v == "hidden" {
			return false
		}
		style, _ := attr(cur, "style")
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
		if b, ok := attr(cur, "data-box"); ok {
			r := parseBox(b)
			if r.Width <= 0 || r.Height <= 0 {
				return false
			}
		}
	}
	return true
}

// parseBox reads "x,y,w,h". A missing attribute yields a small default box
// so fixtures without layout remain clickable.
func parseBox(s string) browser.Rect {
	if s == "" {
		return browser.Rect{X: 0, Y: 0, Width: 100, Height: 30}
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return browser.Rect{}
	}
	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return browser.Rect{}
		}
		v[i] = f
	}
	return browser.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
