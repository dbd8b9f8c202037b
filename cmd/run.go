package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/observability"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the configured number of sessions and run the interaction loop",
		Long: `Run opens one browser tab per session on target.url and drives each one
through locate, click, detect and branch cycles until the per-session action
limit is reached, the session fails, or the process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.Target.URL == "" {
				return errors.New("target.url is a required configuration field")
			}
			return runSessions(cmd.Context(), cfg, NewComponentFactory())
		},
	}

	flags := cmd.Flags()
	flags.String("url", "", "target page URL (target.url)")
	flags.String("label", "", "label of the control to drive (target.label)")
	flags.IntP("sessions", "n", 0, "number of concurrent sessions (sessions.count)")
	flags.Int("max-actions", 0, "confirmed actions per session, -1 for unbounded (sessions.max_actions)")
	flags.Bool("headless", false, "run the browser without a window (browser.headless)")
	flags.String("model", "", "classifier artifact path (challenge.model_artifact_path)")
	flags.String("status-addr", "", "status server listen address (status.listen_addr)")

	_ = viper.BindPFlag("target.url", flags.Lookup("url"))
	_ = viper.BindPFlag("target.label", flags.Lookup("label"))
	_ = viper.BindPFlag("sessions.count", flags.Lookup("sessions"))
	_ = viper.BindPFlag("sessions.max_actions", flags.Lookup("max-actions"))
	_ = viper.BindPFlag("browser.headless", flags.Lookup("headless"))
	_ = viper.BindPFlag("challenge.model_artifact_path", flags.Lookup("model"))
	_ = viper.BindPFlag("status.listen_addr", flags.Lookup("status-addr"))
	return cmd
}

// runSessions builds the components, opens the tabs and blocks until every
// session has finished.
func runSessions(ctx context.Context, cfg *config.Config, factory ComponentFactory) error {
	logger := observability.GetLogger()

	components, err := factory.Create(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	logger.Info("Opening sessions",
		observability.RunID(components.RunID),
		zap.String("url", cfg.Target.URL),
		zap.String("label", cfg.Target.Label),
		zap.Int("sessions", cfg.Sessions.Count))

	tabs, err := components.BrowserManager.OpenTabs(ctx, cfg.Sessions.Count, cfg.Target.URL)
	if err != nil {
		return fmt.Errorf("failed to open sessions: %w", err)
	}
	pages := make([]browser.Page, len(tabs))
	for i, t := range tabs {
		pages[i] = t
	}

	// The status server lives exactly as long as the sessions.
	runCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()

	g, gctx := errgroup.WithContext(runCtx)
	if components.Status != nil {
		g.Go(func() error {
			if err := components.Status.Run(gctx); err != nil {
				// A broken status surface must not end the run.
				logger.Error("Status server failed", zap.Error(err))
			}
			return nil
		})
	}

	var runErr error
	g.Go(func() error {
		defer stopStatus()
		runErr = components.Supervisor.Run(runCtx, pages)
		return nil
	})
	_ = g.Wait()

	summarize(components)
	return runErr
}

func summarize(c *Components) {
	logger := observability.GetLogger()
	for _, snap := range c.Supervisor.Snapshots() {
		logger.Info("Session summary",
			observability.SessionID(snap.SessionID),
			zap.Int("votes", snap.VoteCount),
			zap.Stringer("status", snap.Status),
			zap.String("reason", snap.Reason))
	}
	logger.Info("Run finished",
		zap.Int("votes", c.Supervisor.TotalVotes()))
}
