package challenge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/observability"
)

// InterventionRequest asks a person to solve a challenge in a given session.
type InterventionRequest struct {
	SessionID string
	Page      browser.Page
	Prompt    string
	Reason    string
}

// HumanInterventionChannel hands a challenge to a person and takes it back.
// Release is always called once for every Request.
type HumanInterventionChannel interface {
	Request(ctx context.Context, req InterventionRequest) error
	Release(ctx context.Context, sessionID string)
}

// frontBringer is implemented by live tabs.
type frontBringer interface {
	BringToFront(ctx context.Context) error
}

// OperatorChannel prompts the operator through the log and raises the tab.
// In headless mode nobody can see the tab, so it only warns; the wait still
// runs because a browser extension may solve the challenge.
type OperatorChannel struct {
	headless bool
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewOperatorChannel creates the channel used by the run command.
func NewOperatorChannel(headless bool, logger *zap.Logger) *OperatorChannel {
	return &OperatorChannel{
		headless: headless,
		logger:   logger.Named("operator"),
		active:   make(map[string]bool),
	}
}

func (c *OperatorChannel) Request(ctx context.Context, req InterventionRequest) error {
	c.mu.Lock()
	already := c.active[req.SessionID]
	c.active[req.SessionID] = true
	c.mu.Unlock()
	if already {
		return nil
	}

	log := observability.ForSession(c.logger, req.SessionID).With(zap.String("reason", req.Reason))
	if c.headless {
		log.Warn("Challenge needs manual resolution but the browser is headless; waiting in case an extension solves it")
		return nil
	}
	if fb, ok := req.Page.(frontBringer); ok {
		if err := fb.BringToFront(ctx); err != nil {
			log.Debug("Could not raise tab", zap.Error(err))
		}
	}
	log.Warn("Manual challenge resolution required: solve it in the browser window", zap.String("prompt", req.Prompt))
	return nil
}

func (c *OperatorChannel) Release(ctx context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, sessionID)
}

// Active reports whether sessionID is waiting for the operator.
func (c *OperatorChannel) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[sessionID]
}
