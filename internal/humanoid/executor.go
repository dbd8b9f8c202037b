package humanoid

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// MouseButton mirrors the CDP button names.
type MouseButton string

const (
	MouseButtonNone MouseButton = "none"
	MouseButtonLeft MouseButton = "left"
)

// MouseEventType mirrors the CDP mouse event types.
type MouseEventType string

const (
	MouseMove    MouseEventType = "mouseMoved"
	MousePress   MouseEventType = "mousePressed"
	MouseRelease MouseEventType = "mouseReleased"
)

// MouseEvent is one low-level pointer event.
type MouseEvent struct {
	Type       MouseEventType
	X, Y       float64
	Button     MouseButton
	Buttons    int64
	ClickCount int64
}

// Executor delivers pointer events and waits. The CDP executor drives a real tab;
// tests substitute a recorder.
type Executor interface {
	DispatchMouseEvent(ctx context.Context, ev MouseEvent) error
	Sleep(ctx context.Context, d time.Duration) error
}

// CDPExecutor dispatches through the chromedp target bound to ctx.
type CDPExecutor struct{}

// NewCDPExecutor returns the production executor.
func NewCDPExecutor() *CDPExecutor {
	return &CDPExecutor{}
}

func (e *CDPExecutor) DispatchMouseEvent(ctx context.Context, ev MouseEvent) error {
	p := input.DispatchMouseEvent(input.MouseType(ev.Type), ev.X, ev.Y)
	if ev.Button != "" && ev.Button != MouseButtonNone {
		p = p.WithButton(input.MouseButton(ev.Button))
	}
	if ev.Buttons > 0 {
		p = p.WithButtons(ev.Buttons)
	}
	if ev.ClickCount > 0 {
		p = p.WithClickCount(ev.ClickCount)
	}
	return chromedp.Run(ctx, p)
}

func (e *CDPExecutor) Sleep(ctx context.Context, d time.Duration) error {
	return sleepContext(ctx, d)
}

// sleepContext pauses for d, respecting cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
