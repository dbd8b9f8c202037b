package humanoid

import "math"

// Vector2D is a point or displacement in CSS pixels.
type Vector2D struct {
	X, Y float64
}

func (v Vector2D) Add(o Vector2D) Vector2D    { return Vector2D{v.X + o.X, v.Y + o.Y} }
func (v Vector2D) Sub(o Vector2D) Vector2D    { return Vector2D{v.X - o.X, v.Y - o.Y} }
func (v Vector2D) Mul(s float64) Vector2D     { return Vector2D{v.X * s, v.Y * s} }
func (v Vector2D) Mag() float64               { return math.Hypot(v.X, v.Y) }
func (v Vector2D) Dist(o Vector2D) float64    { return v.Sub(o).Mag() }
func (v Vector2D) Perpendicular() Vector2D    { return Vector2D{-v.Y, v.X} }

// Normalize returns the unit vector, or zero for a zero vector.
func (v Vector2D) Normalize() Vector2D {
	m := v.Mag()
	if m == 0 {
		return Vector2D{}
	}
	return v.Mul(1 / m)
}

// Box is an axis-aligned rectangle in CSS pixels.
type Box struct {
	X, Y, Width, Height float64
}

// Center returns the middle of the box.
func (b Box) Center() Vector2D {
	return Vector2D{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Valid reports whether the box has an area to aim at.
func (b Box) Valid() bool {
	return b.Width > 0 && b.Height > 0
}
