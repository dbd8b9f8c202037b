// Package humanoid moves and clicks the pointer the way a person does: a Fitts-timed
// Bezier path with Perlin drift, a short verification pause, and a randomized press.
package humanoid

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
	"go.uber.org/zap"
)

// Config holds the motor model parameters.
type Config struct {
	FittsA           float64 `mapstructure:"fitts_a"`
	FittsB           float64 `mapstructure:"fitts_b"`
	PerlinAmplitude  float64 `mapstructure:"perlin_amplitude"`
	GaussianStrength float64 `mapstructure:"gaussian_strength"`
	ClickHoldMinMs   int     `mapstructure:"click_hold_min_ms"`
	ClickHoldMaxMs   int     `mapstructure:"click_hold_max_ms"`
	PauseMeanMs      int     `mapstructure:"pause_mean_ms"`
	PauseStdDevMs    int     `mapstructure:"pause_stddev_ms"`

	// Rng overrides the random source, mainly for tests.
	Rng *rand.Rand `mapstructure:"-"`
}

// DefaultConfig returns the parameters used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FittsA:           80,
		FittsB:           110,
		PerlinAmplitude:  1.8,
		GaussianStrength: 0.6,
		ClickHoldMinMs:   55,
		ClickHoldMaxMs:   140,
		PauseMeanMs:      220,
		PauseStdDevMs:    80,
	}
}

// Humanoid holds pointer state for one tab. It is safe for concurrent use,
// but actions are serialized.
type Humanoid struct {
	// mu protects every field below and serializes whole actions.
	mu         sync.Mutex
	cfg        Config
	logger     *zap.Logger
	executor   Executor
	rng        *rand.Rand
	noiseX     *perlin.Perlin
	noiseY     *perlin.Perlin
	currentPos Vector2D
	button     MouseButton
	positioned bool
}

// New creates a Humanoid that dispatches through executor.
func New(cfg Config, logger *zap.Logger, executor Executor) *Humanoid {
	seed := time.Now().UnixNano()
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(seed))
	}
	if cfg.ClickHoldMaxMs < cfg.ClickHoldMinMs {
		cfg.ClickHoldMaxMs = cfg.ClickHoldMinMs
	}

	// Standard Perlin noise parameters.
	alpha, beta, n := 2.0, 2.0, int32(3)

	return &Humanoid{
		cfg:      cfg,
		logger:   logger,
		executor: executor,
		rng:      rng,
		noiseX:   perlin.NewPerlin(alpha, beta, n, seed),
		noiseY:   perlin.NewPerlin(alpha, beta, n, seed+1),
		button:   MouseButtonNone,
	}
}

// NewTestHumanoid creates a deterministic, fast Humanoid for tests.
func NewTestHumanoid(executor Executor, seed int64) *Humanoid {
	cfg := Config{
		FittsA:           5,
		FittsB:           5,
		PerlinAmplitude:  1.0,
		GaussianStrength: 0.3,
		ClickHoldMinMs:   1,
		ClickHoldMaxMs:   2,
		Rng:              rand.New(rand.NewSource(seed)),
	}
	h := New(cfg, zap.NewNop(), executor)
	h.noiseX = perlin.NewPerlin(2, 2, 3, seed)
	h.noiseY = perlin.NewPerlin(2, 2, 3, seed+1)
	return h
}

// Position returns the last dispatched pointer coordinate.
func (h *Humanoid) Position() Vector2D {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentPos
}

// SetPosition seeds the pointer position without dispatching anything.
func (h *Humanoid) SetPosition(p Vector2D) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentPos = p
	h.positioned = true
}

// CognitivePause waits a normally distributed time around the configured mean.
func (h *Humanoid) CognitivePause(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cognitivePause(ctx, float64(h.cfg.PauseMeanMs), float64(h.cfg.PauseStdDevMs))
}

// cognitivePause assumes the caller holds the lock.
func (h *Humanoid) cognitivePause(ctx context.Context, meanMs, stdDevMs float64) error {
	d := time.Duration(meanMs+h.rng.NormFloat64()*stdDevMs) * time.Millisecond
	if d <= 0 {
		return ctx.Err()
	}
	return h.executor.Sleep(ctx, d)
}

// applyGaussianNoise adds tremor to a coordinate. Assumes the lock is held.
func (h *Humanoid) applyGaussianNoise(p Vector2D) Vector2D {
	strength := h.cfg.GaussianStrength * (0.5 + h.rng.Float64())
	return Vector2D{X: p.X + h.rng.NormFloat64()*strength, Y: p.Y + h.rng.NormFloat64()*strength}
}

// clickHoldDuration is skewed towards shorter presses. Assumes the lock is held.
func (h *Humanoid) clickHoldDuration() time.Duration {
	minMs := float64(h.cfg.ClickHoldMinMs)
	maxMs := float64(h.cfg.ClickHoldMaxMs)
	if maxMs <= 0 {
		return 0
	}
	mean := (minMs + maxMs) / 2.0 * 0.9
	stdDev := (maxMs - minMs) / 5.0
	ms := math.Max(minMs, math.Min(maxMs, mean+h.rng.NormFloat64()*stdDev))
	return time.Duration(ms * float64(time.Millisecond))
}
