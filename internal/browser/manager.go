package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/cadence-cli/internal/browser/stealth"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/humanoid"
)

const closeTabTimeout = 10 * time.Second

// Manager owns the browser process and the tabs opened in it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser executable.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// browserCtx is the first chromedp context. Cancelling it closes the browser.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu   sync.Mutex
	tabs map[string]*Tab
	seq  int
}

// NewManager prepares the allocator. The browser itself starts with the first tab.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		tabs:   make(map[string]*Tab),
	}

	flags := allocatorFlags(cfg)
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, name := range sortedKeys(flags) {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}

	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, opts...)

	m.logger.Info("Browser manager initialized",
		zap.Bool("headless", flags["headless"] == true),
		zap.String("extension", cfg.ExtensionPath),
		zap.String("user_data_dir", cfg.UserDataDir),
	)
	return m, nil
}

// allocatorFlags computes the command line switches for the browser.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	headless := cfg.Headless
	flags := map[string]interface{}{
		// Automation detection evasion
		"enable-automation":      false,
		"disable-blink-features": "AutomationControlled",

		// Stability
		"disable-background-networking": true,
		"disable-sync":                  true,
		"metrics-recording-only":        true,
		"disable-default-apps":          true,
		"no-first-run":                  true,
		"disable-hang-monitor":          true,
		"disable-prompt-on-repost":      true,
		"disable-extensions":            true,

		// Cross-origin challenge frames must stay in the page's process to be queried.
		"disable-features":             "IsolateOrigins,site-per-process,Translate",
		"disable-site-isolation-trials": true,
	}

	if cfg.ExtensionPath != "" {
		// Extensions only load in a headed browser.
		headless = false
		flags["disable-extensions"] = false
		flags["load-extension"] = cfg.ExtensionPath
		flags["disable-extensions-except"] = cfg.ExtensionPath
	}
	flags["headless"] = headless
	flags["disable-gpu"] = headless
	if headless {
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}

	for _, arg := range cfg.Args {
		name, value := parseArg(arg)
		if name != "" {
			flags[name] = value
		}
	}
	return flags
}

// parseArg turns "--name=value" or "--name" into a flag entry.
func parseArg(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil
	}
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return name, true
	}
	return name, value
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Headless reports whether tabs run without a visible window.
func (m *Manager) Headless() bool {
	return allocatorFlags(m.cfg)["headless"] == true
}

// OpenTabs opens n tabs on url, staggering their creation. On error every tab
// opened by this call is closed again.
func (m *Manager) OpenTabs(ctx context.Context, n int, url string) (tabs []*Tab, err error) {
	if n < 1 {
		return nil, errors.New("browser: tab count must be positive")
	}

	limit := rate.Inf
	if m.cfg.TabStagger > 0 {
		limit = rate.Every(m.cfg.TabStagger)
	}
	limiter := rate.NewLimiter(limit, 1)

	defer func() {
		if err != nil {
			for _, t := range tabs {
				m.closeTab(t)
			}
			tabs = nil
		}
	}()

	for i := 0; i < n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return tabs, err
		}
		tab, err := m.openTab(ctx, url)
		if err != nil {
			return tabs, fmt.Errorf("failed to open tab %d: %w", i+1, err)
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

func (m *Manager) openTab(ctx context.Context, url string) (*Tab, error) {
	m.mu.Lock()
	parent := m.browserCtx
	first := parent == nil
	if first {
		parent = m.allocatorCtx
	}
	m.seq++
	id := fmt.Sprintf("tab-%d", m.seq)
	m.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(parent,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Errorf),
	)

	persona := stealth.Persona{
		UserAgent: m.cfg.UserAgent,
		Platform:  m.cfg.Platform,
		Languages: m.cfg.Languages,
	}

	// The first Run starts the browser and attaches the target, both bound to
	// the context it receives. It must be the tab's own context: cancelling
	// anything shorter lived kills the browser.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start tab: %w", err)
	}

	runCtx, runCancel := CombineContext(tabCtx, ctx)
	defer runCancel()
	if err := chromedp.Run(runCtx,
		stealth.Apply(persona, m.logger),
		chromedp.Navigate(url),
	); err != nil {
		cancel()
		return nil, err
	}

	if first {
		m.mu.Lock()
		m.browserCtx, m.browserCancel = tabCtx, cancel
		m.mu.Unlock()
	}

	human := humanoid.New(m.cfg.Humanoid, m.logger.Named(id), humanoid.NewCDPExecutor())
	tab := newTab(id, tabCtx, cancel, human, m.cfg.ActionTimeout, m.logger)

	m.mu.Lock()
	m.tabs[id] = tab
	m.mu.Unlock()

	m.logger.Info("Tab opened", zap.String("tab", id), zap.String("url", url))
	return tab, nil
}

func (m *Manager) closeTab(t *Tab) {
	m.mu.Lock()
	delete(m.tabs, t.id)
	isBrowser := m.browserCtx == t.ctx
	m.mu.Unlock()

	// The first tab carries the browser; it is closed with the allocator.
	if isBrowser {
		return
	}
	t.close(closeTabTimeout)
}

// Shutdown closes every tab concurrently, then the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager...")

	m.mu.Lock()
	toClose := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		if t.ctx != m.browserCtx {
			toClose = append(toClose, t)
		}
	}
	m.tabs = make(map[string]*Tab)
	browserCtx, browserCancel := m.browserCtx, m.browserCancel
	m.mu.Unlock()

	timeout := closeTabTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	var wg sync.WaitGroup
	for _, t := range toClose {
		wg.Add(1)
		go func(t *Tab) {
			defer wg.Done()
			t.close(timeout)
		}(t)
	}
	wg.Wait()

	if browserCtx != nil {
		closeContext(browserCtx, browserCancel, timeout, m.logger)
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}

	m.logger.Info("Browser manager shutdown complete.")
	return nil
}

// closeContext asks chromedp to close the target gracefully and falls back to
// cancel after timeout.
func closeContext(ctx context.Context, cancel context.CancelFunc, timeout time.Duration, logger *zap.Logger) {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(ctx) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("Error closing browser context", zap.Error(err))
		}
	case <-time.After(timeout):
		logger.Warn("Timed out closing browser context")
	}
	cancel()
}
