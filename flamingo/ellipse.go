package flamingo

import (
	"context"
	"math"
)

// EllipsePoint is one angle's sampled top/centre/bottom Z position, the
// shape original_source's trace_ellipse.py builds a per-angle travel
// ellipse from for multi-angle-collect to interpolate along.
type EllipsePoint struct {
	AngleDeg float64
	Top      Position
	Centre   Position
	Bottom   Position
}

// TraceEllipse re-scans the sample at each angle in angles, reusing the Y
// bounds LocateSample already established. At each angle it first refines
// the sample's apparent X position with a short intensity sweep (rotation
// can shift where the sample sits in frame), then runs a Z sub-stack to
// find the in-focus plane, recording top/centre/bottom Z for that angle.
//
// fovMM <= 0 defers to the session's own field of view, the same fallback
// LocateSample uses.
func (s *Session) TraceEllipse(ctx context.Context, bounds BoundingBox, angles []float64, fovMM float64) ([]EllipsePoint, error) {
	yCentre := (bounds.Corner1.Y + bounds.Corner2.Y) / 2
	xCentre := (bounds.Corner1.X + bounds.Corner2.X) / 2

	planes := s.cfg.BufferMaxPlanes
	if planes <= 0 {
		planes = 10
	}
	if fovMM <= 0 {
		fovMM = s.FOVMM()
	}
	if fovMM <= 0 {
		fovMM = 1
	}

	points := make([]EllipsePoint, 0, len(angles))
	for _, angle := range angles {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}

		refinedX := xCentre
		bestVal := math.Inf(-1)
		for i := -2; i <= 2; i++ {
			if err := checkCancelled(ctx); err != nil {
				return nil, err
			}
			probeX := xCentre + float64(i)*fovMM
			frame, err := s.runSnapshotAt(ctx, NewPosition(probeX, yCentre, bounds.Corner1.Z, angle))
			if err != nil {
				return nil, err
			}
			val, _ := RollingYIntensity(frame, 21)
			if val > bestVal {
				bestVal = val
				refinedX = probeX
			}
		}

		zStart := NewPosition(refinedX, yCentre, bounds.Corner1.Z, angle)
		zEnd := NewPosition(refinedX, yCentre, bounds.Corner2.Z, angle)
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		stack, err := s.runZStackAt(ctx, zStart, zEnd, planes)
		if err != nil {
			return nil, err
		}

		focusPlane := FindMostInFocusPlane(stack)
		step := (zEnd.Z - zStart.Z) / float64(maxInt(len(stack.Planes)-1, 1))
		centreZ := zStart.Z + float64(focusPlane)*step

		points = append(points, EllipsePoint{
			AngleDeg: angle,
			Top:      NewPosition(refinedX, yCentre, zStart.Z, angle),
			Centre:   NewPosition(refinedX, yCentre, centreZ, angle),
			Bottom:   NewPosition(refinedX, yCentre, zEnd.Z, angle),
		})
	}
	return points, nil
}
