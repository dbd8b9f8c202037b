package humanoid

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// MoveTo moves the pointer to target along a human-like path.
func (h *Humanoid) MoveTo(ctx context.Context, target Vector2D) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.moveTo(ctx, target)
}

// Click moves into box and presses the left button at a point near its centre.
func (h *Humanoid) Click(ctx context.Context, box Box) error {
	if !box.Valid() {
		return fmt.Errorf("humanoid: target has invalid geometry %+v", box)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// 1. Travel.
	target := h.targetPoint(box)
	if err := h.moveTo(ctx, target); err != nil {
		return err
	}

	// 2. Verify the target before acting.
	if err := h.cognitivePause(ctx, float64(h.cfg.PauseMeanMs)/4, float64(h.cfg.PauseStdDevMs)/4); err != nil {
		return err
	}

	// 3. Press.
	press := MouseEvent{Type: MousePress, X: h.currentPos.X, Y: h.currentPos.Y, Button: MouseButtonLeft, Buttons: 1, ClickCount: 1}
	if err := h.executor.DispatchMouseEvent(ctx, press); err != nil {
		return err
	}
	h.button = MouseButtonLeft

	// 4. Hold, then release even when the hold is interrupted.
	holdErr := h.executor.Sleep(ctx, h.clickHoldDuration())
	releaseCtx := ctx
	if holdErr != nil {
		releaseCtx = context.Background()
	}
	release := MouseEvent{Type: MouseRelease, X: h.currentPos.X, Y: h.currentPos.Y, Button: MouseButtonLeft, ClickCount: 1}
	if err := h.executor.DispatchMouseEvent(releaseCtx, release); err != nil {
		h.logger.Warn("Humanoid: failed to release mouse button", zap.Error(err))
		if holdErr == nil {
			return err
		}
	}
	h.button = MouseButtonNone
	return holdErr
}

// moveTo assumes the caller holds the lock.
func (h *Humanoid) moveTo(ctx context.Context, target Vector2D) error {
	if !h.positioned {
		// First action on this tab: start from a plausible resting point near the target.
		h.currentPos = target.Add(Vector2D{X: -120 + h.rng.Float64()*240, Y: 80 + h.rng.Float64()*120})
		h.positioned = true
	}

	start := h.currentPos
	dist := start.Dist(target)
	if dist < 1.5 {
		return nil
	}

	duration := h.fittsDuration(dist)
	steps := int(duration.Seconds() * 100)
	if steps < 2 {
		steps = 2
	}
	path := h.idealPath(start, target, steps)
	stepDelay := duration / time.Duration(steps)

	startTime := time.Now()
	for i, p := range path {
		if err := ctx.Err(); err != nil {
			return err
		}

		point := p
		// The last point lands exactly on target so the press hits the chosen spot.
		if i < len(path)-1 {
			elapsed := time.Since(startTime).Seconds()
			drift := Vector2D{
				X: h.noiseX.Noise1D(elapsed*0.8) * h.cfg.PerlinAmplitude,
				Y: h.noiseY.Noise1D(elapsed*0.8) * h.cfg.PerlinAmplitude,
			}
			point = h.applyGaussianNoise(p.Add(drift))
		}

		ev := MouseEvent{Type: MouseMove, X: point.X, Y: point.Y, Button: MouseButtonNone}
		if h.button == MouseButtonLeft {
			ev.Button, ev.Buttons = MouseButtonLeft, 1
		}
		if err := h.executor.DispatchMouseEvent(ctx, ev); err != nil {
			return fmt.Errorf("humanoid: dispatch move: %w", err)
		}
		h.currentPos = point

		if err := h.executor.Sleep(ctx, stepDelay); err != nil {
			return err
		}
	}
	return nil
}

// fittsDuration estimates movement time from Fitts's law with +/-15% jitter.
func (h *Humanoid) fittsDuration(distance float64) time.Duration {
	const W = 30.0
	id := math.Log2(1.0 + distance/W)
	mt := h.cfg.FittsA + h.cfg.FittsB*id
	mt += mt * (h.rng.Float64()*0.3 - 0.15)
	if mt < 0 {
		mt = 0
	}
	return time.Duration(mt * float64(time.Millisecond))
}

// idealPath samples an eased cubic Bezier curve between start and end with
// control points pushed sideways by a random arc.
func (h *Humanoid) idealPath(start, end Vector2D, steps int) []Vector2D {
	main := end.Sub(start)
	dist := main.Mag()
	if dist < 1.0 || steps <= 1 {
		return []Vector2D{end}
	}
	dir := main.Normalize()
	normal := dir.Perpendicular()

	arc := (h.rng.Float64()*2 - 1) * math.Min(dist*0.15, 80)
	p0, p3 := start, end
	p1 := start.Add(dir.Mul(dist / 3)).Add(normal.Mul(arc))
	p2 := start.Add(dir.Mul(dist * 2 / 3)).Add(normal.Mul(arc * 0.6))

	path := make([]Vector2D, steps)
	for i := 0; i < steps; i++ {
		t := computeEaseInOutCubic(float64(i) / float64(steps-1))
		omt := 1 - t
		path[i] = p0.Mul(omt * omt * omt).
			Add(p1.Mul(3 * omt * omt * t)).
			Add(p2.Mul(3 * omt * t * t)).
			Add(p3.Mul(t * t * t))
	}
	return path
}

// targetPoint picks a spot within the inner 80% of box, normally distributed
// around the centre. Assumes the caller holds the lock.
func (h *Humanoid) targetPoint(box Box) Vector2D {
	c := box.Center()
	x := c.X + h.rng.NormFloat64()*box.Width*0.8/6
	y := c.Y + h.rng.NormFloat64()*box.Height*0.8/6

	minX, maxX := box.X+1, box.X+box.Width-1
	minY, maxY := box.Y+1, box.Y+box.Height-1
	if maxX < minX {
		minX, maxX = c.X, c.X
	}
	if maxY < minY {
		minY, maxY = c.Y, c.Y
	}
	return Vector2D{X: math.Max(minX, math.Min(maxX, x)), Y: math.Max(minY, math.Min(maxY, y))}
}

// computeEaseInOutCubic provides a smooth acceleration and deceleration profile.
func computeEaseInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}
