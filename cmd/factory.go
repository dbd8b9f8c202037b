package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/browser"
	"github.com/xkilldash9x/cadence-cli/internal/challenge"
	"github.com/xkilldash9x/cadence-cli/internal/classifier"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/detector"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
	"github.com/xkilldash9x/cadence-cli/internal/observability"
	"github.com/xkilldash9x/cadence-cli/internal/progress"
	"github.com/xkilldash9x/cadence-cli/internal/status"
	"github.com/xkilldash9x/cadence-cli/internal/store"
	"github.com/xkilldash9x/cadence-cli/internal/supervisor"
)

const browserShutdownTimeout = 30 * time.Second

// Components holds every service a run needs and owns their shutdown order.
type Components struct {
	RunID          string
	Metrics        *observability.Metrics
	DBPool         *pgxpool.Pool
	Store          *store.Store
	Recorder       *progress.Recorder
	BrowserManager *browser.Manager
	Resolver       *challenge.Resolver
	Supervisor     *supervisor.Supervisor
	Status         *status.Server
}

// Shutdown releases resources in reverse dependency order. It is safe on a
// partially initialized value.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Close the browser so no tab keeps producing work.
	if c.BrowserManager != nil {
		// A fresh context; the run context is usually cancelled by now.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
		defer cancel()
		if err := c.BrowserManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	// 2. Drain progress events into the store.
	if c.Recorder != nil {
		c.Recorder.Close()
		if n := c.Recorder.Dropped(); n > 0 {
			logger.Warn("Some progress events were not persisted.", zap.Int64("dropped", n))
		}
		logger.Debug("Progress recorder drained.")
	}

	// 3. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All run components shut down.")
}

// ComponentFactory builds the components of a run. Tests substitute it.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the run. If any step fails, everything created so far is shut down.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config) (components *Components, initializationErr error) {
	components = &Components{
		RunID:   uuid.NewString(),
		Metrics: observability.NewMetrics("cadence"),
	}
	logger := observability.ScopeRun(components.RunID)

	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
			components = nil
		}
	}()

	// 1. Database pool and store (optional)
	var historical int64
	if cfg.Store.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.URL)
		if err != nil {
			return components, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		components.DBPool = pool

		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return components, err
		}
		historical, err = st.HistoricalTotal(ctx)
		if err != nil {
			return components, fmt.Errorf("failed to read historical totals: %w", err)
		}
		components.Store = st
		components.Metrics.SetHistoricalVotes(historical)
		logger.Debug("Store initialized.", zap.Int64("historical_votes", historical))
	} else {
		logger.Info("No store configured; progress is logged only.")
	}

	// 2. Progress recorder
	recorderOpts := []progress.Option{progress.WithMetrics(components.Metrics)}
	if components.Store != nil {
		recorderOpts = append(recorderOpts, progress.WithStore(components.Store, cfg.Store.BatchSize, cfg.Store.FlushInterval))
	}
	components.Recorder = progress.NewRecorder(components.RunID, logger, recorderOpts...)
	logger.Debug("Progress recorder initialized.")

	// 3. Locator and detector
	loc := locator.NewFromConfig(cfg.Locator, logger)
	det := detector.New(cfg, loc, logger, detector.WithObserver(components.Metrics))
	logger.Debug("Locator and detector initialized.")

	// 4. Classifier (optional)
	model, err := classifier.Load(cfg.Challenge.ModelArtifactPath)
	if err != nil {
		return components, fmt.Errorf("failed to load classifier model: %w", err)
	}
	var predictor challenge.Predictor
	if model != nil {
		predictor = model
		logger.Info("Classifier loaded.",
			zap.String("path", cfg.Challenge.ModelArtifactPath),
			zap.Strings("categories", model.Categories()))
	} else {
		logger.Info("No classifier available; challenges go to the operator.")
	}

	// 5. Browser manager
	mgr, err := browser.NewManager(ctx, cfg.Browser, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	components.BrowserManager = mgr
	logger.Debug("Browser manager initialized.")

	// 6. Challenge resolver
	components.Resolver = challenge.New(challenge.SettingsFromConfig(cfg.Challenge), challenge.Deps{
		Extractor: challenge.NewExtractor(cfg, loc, logger),
		Locator:   loc,
		Detector:  det,
		Model:     predictor,
		Human:     challenge.NewOperatorChannel(mgr.Headless(), logger),
		Submit:    locator.ActionFromConfig(cfg, config.ActionSubmit),
		Logger:    logger,
	})
	logger.Debug("Challenge resolver initialized.", zap.Bool("classifier", components.Resolver.Available()))

	// 7. Supervisor
	components.Supervisor = supervisor.New(cfg, supervisor.Deps{
		Locator:  loc,
		Detector: det,
		Resolver: components.Resolver,
		Sink:     components.Recorder,
		Cycles:   components.Metrics,
		Logger:   logger,
	})
	logger.Debug("Supervisor initialized.")

	// 8. Status server (optional)
	if cfg.Status.ListenAddr != "" {
		components.Status = status.New(cfg.Status.ListenAddr, components.Supervisor,
			components.Metrics.Handler(), historical, logger)
		logger.Debug("Status server initialized.", zap.String("addr", cfg.Status.ListenAddr))
	}

	logger.Info("All run components initialized successfully.")
	return components, nil
}
