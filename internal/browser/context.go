package browser

import (
	"context"
)

// CombineContext derives from sessionCtx, so the chromedp target travels with it,
// and cancels when opCtx is done. Callers own the returned cancel.
func CombineContext(sessionCtx context.Context, opCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(sessionCtx)

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
