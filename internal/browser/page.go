package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/cadence-cli/internal/humanoid"
)

var (
	// ErrFrameNotFound is returned by Frame when no matching frame document exists.
	ErrFrameNotFound = errors.New("browser: frame not found")
	// ErrDetached is returned when an element handle no longer refers to a node.
	ErrDetached = errors.New("browser: element is detached")
	// ErrUnsupportedSelector is returned when a page cannot evaluate a selector kind.
	ErrUnsupportedSelector = errors.New("browser: unsupported selector")
)

// SelectorKind distinguishes CSS from XPath expressions.
type SelectorKind int

const (
	CSS SelectorKind = iota
	XPath
)

func (k SelectorKind) String() string {
	if k == XPath {
		return "xpath"
	}
	return "css"
}

// Selector is a query expression of a given kind.
type Selector struct {
	Kind SelectorKind
	Expr string
}

// ByCSS builds a CSS selector.
func ByCSS(expr string) Selector { return Selector{Kind: CSS, Expr: expr} }

// ByXPath builds an XPath selector.
func ByXPath(expr string) Selector { return Selector{Kind: XPath, Expr: expr} }

// ParseSelector reads a configured selector. An "xpath=" prefix or a leading
// "//" or "(//" selects XPath; everything else is CSS.
func ParseSelector(s string) Selector {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "xpath="):
		return ByXPath(strings.TrimPrefix(s, "xpath="))
	case strings.HasPrefix(s, "//"), strings.HasPrefix(s, "(//"):
		return ByXPath(s)
	default:
		return ByCSS(s)
	}
}

func (s Selector) String() string {
	return s.Kind.String() + "=" + s.Expr
}

// Rect is an element's layout box in viewport CSS pixels.
type Rect struct {
	X, Y, Width, Height float64
}

// Box converts to the humanoid geometry type.
func (r Rect) Box() humanoid.Box {
	return humanoid.Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// Element is a point-in-time description of a node. Handle is only meaningful
// to the Page that produced it.
type Element struct {
	Handle  int64
	Tag     string
	Label   string
	Text    string
	Value   string
	Visible bool
	Enabled bool
	Box     Rect
	Attrs   map[string]string
}

// Attr returns an attribute value or "".
func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// Page is the capability the core needs from a browser tab or frame.
// QueryAll is a snapshot: it returns what matches right now and never waits.
type Page interface {
	ID() string
	URL(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	QueryAll(ctx context.Context, sel Selector) ([]Element, error)
	Frame(ctx context.Context, sel Selector) (Page, error)
	Click(ctx context.Context, el Element) error
	CaptureElement(ctx context.Context, el Element) ([]byte, error)
	Reload(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Snapshot(ctx context.Context) (string, error)
}

// NormalizeText lowercases and collapses whitespace for phrase matching.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
