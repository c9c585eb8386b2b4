package flamingo

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Position is a stage pose: (x_mm, y_mm, z_mm, r_deg). The translational
// part is kept as an r3.Vector so multi-angle-collect can interpolate
// along a polyline with ordinary vector arithmetic instead of hand-rolled
// per-axis lerp, the way the rest of the pack leans on golang/geo for
// anything that is "three numbers and some linear algebra."
type Position struct {
	r3.Vector        // X, Y, Z in millimetres
	AngleDeg  float64 // R, in degrees
}

// NewPosition builds a Position from individual axis values.
func NewPosition(xMM, yMM, zMM, rDeg float64) Position {
	return Position{Vector: r3.Vector{X: xMM, Y: yMM, Z: zMM}, AngleDeg: rDeg}
}

func (p Position) String() string {
	return fmt.Sprintf("(x=%.4f, y=%.4f, z=%.4f, r=%.2f)", p.X, p.Y, p.Z, p.AngleDeg)
}

// Lerp linearly interpolates between p and q at parameter t in [0, 1],
// including the rotation angle. Used by multi-angle-collect to place a
// tile's top/bottom bounding points along a caller-supplied polyline.
func (p Position) Lerp(q Position, t float64) Position {
	v := p.Vector.Add(q.Vector.Sub(p.Vector).Mul(t))
	angle := p.AngleDeg + (q.AngleDeg-p.AngleDeg)*t
	return Position{Vector: v, AngleDeg: angle}
}

// BoundingBox records a sample's axis-aligned envelope at a single
// rotation angle: two opposite corners sharing that angle.
type BoundingBox struct {
	Corner1 Position
	Corner2 Position
}

// Centre returns the midpoint of the box, at the shared rotation angle.
func (b BoundingBox) Centre() Position {
	return b.Corner1.Lerp(b.Corner2, 0.5)
}

// ZSpanMM returns the absolute Z extent of the box.
func (b BoundingBox) ZSpanMM() float64 {
	span := b.Corner2.Z - b.Corner1.Z
	if span < 0 {
		span = -span
	}
	return span
}
