package flamingo

import (
	"context"
	"math"
)

// LocateSampleResult is locate-sample's outcome: the sample's bounding box
// plus the per-axis scan curves that produced it (useful for diagnostics
// and for TraceEllipse's reuse of the Y bounds).
type LocateSampleResult struct {
	Bounds BoundingBox
	YCurve []float64
	ZCurve []float64
	XCurve []float64
}

// LocateSample implements original_source's locate_sample.py: a Y-direction
// intensity sweep of single-plane MIP snapshots narrows the sample's Y
// extent, a Z sub-stack at the Y centre (bounded by BufferMaxPlanes)
// narrows its Z extent via focus, and a final X intensity sweep narrows
// its X extent. The stage is left parked at the resulting box's centre,
// and the box is written to boundsPath if non-empty.
//
// This calls RollingYIntensity/Sharpness/FindMostInFocusPlane directly on
// the frame/stack RunWorkflow already returned, rather than reading the
// processor's shared Scalars queue: that queue has no way to tell one
// submission's reduction apart from another's once more than one producer
// is feeding it, and LocateSample only ever needs the reduction for the
// acquisition it just submitted.
//
// start.Z/start.AngleDeg seed the Z/rotation the scan holds fixed while
// sweeping Y and X; if start is the zero Position and a home position has
// been set, callers should pass that home position instead (consistent
// with original_source's default start_position fallback).
//
// fovMM <= 0 defers to the session's own field of view (pixel_size_mm ×
// frame_side, queried once at Open time per spec.md §4.9); callers only
// need to pass an explicit value to override it.
func (s *Session) LocateSample(ctx context.Context, start Position, searchSpanMM, fovMM float64, boundsPath string) (LocateSampleResult, error) {
	if fovMM <= 0 {
		fovMM = s.FOVMM()
	}
	if fovMM <= 0 {
		fovMM = 1
	}
	steps := int(math.Ceil(searchSpanMM / fovMM))
	if steps < 1 {
		steps = 1
	}

	yCurve := make([]float64, steps+1)
	for i := 0; i <= steps; i++ {
		if err := checkCancelled(ctx); err != nil {
			return LocateSampleResult{}, err
		}
		pos := NewPosition(start.X, start.Y+float64(i)*fovMM, start.Z, start.AngleDeg)
		frame, err := s.runSnapshotAt(ctx, pos)
		if err != nil {
			return LocateSampleResult{}, err
		}
		topQuartile, _ := RollingYIntensity(frame, 21)
		yCurve[i] = topQuartile
	}
	yLow, yHigh := boundedRange(yCurve, start.Y, fovMM)
	yCentre := (yLow + yHigh) / 2

	planes := s.cfg.BufferMaxPlanes
	if planes <= 0 {
		planes = 10
	}
	zHalfSpan := fovMM * float64(planes) / 2
	zStart := NewPosition(start.X, yCentre, start.Z-zHalfSpan, start.AngleDeg)
	zEnd := NewPosition(start.X, yCentre, start.Z+zHalfSpan, start.AngleDeg)
	if err := checkCancelled(ctx); err != nil {
		return LocateSampleResult{}, err
	}
	stack, err := s.runZStackAt(ctx, zStart, zEnd, planes)
	if err != nil {
		return LocateSampleResult{}, err
	}
	zCurve := make([]float64, len(stack.Planes))
	for i, plane := range stack.Planes {
		zCurve[i] = Sharpness(plane)
	}
	zStep := 2 * zHalfSpan / float64(maxInt(len(stack.Planes)-1, 1))
	zLow, zHigh := boundedRange(zCurve, zStart.Z, zStep)
	zCentre := zStart.Z + float64(FindMostInFocusPlane(stack))*zStep

	xCurve := make([]float64, steps+1)
	for i := 0; i <= steps; i++ {
		if err := checkCancelled(ctx); err != nil {
			return LocateSampleResult{}, err
		}
		pos := NewPosition(start.X+float64(i)*fovMM, yCentre, zCentre, start.AngleDeg)
		frame, err := s.runSnapshotAt(ctx, pos)
		if err != nil {
			return LocateSampleResult{}, err
		}
		topQuartile, _ := RollingYIntensity(frame, 21)
		xCurve[i] = topQuartile
	}
	xLow, xHigh := boundedRange(xCurve, start.X, fovMM)

	box := BoundingBox{
		Corner1: NewPosition(xLow, yLow, zLow, start.AngleDeg),
		Corner2: NewPosition(xHigh, yHigh, zHigh, start.AngleDeg),
	}

	if boundsPath != "" {
		if err := s.writeBoundsFileAtomic(boundsPath, box); err != nil {
			return LocateSampleResult{}, err
		}
	}
	if err := s.MoveTo(ctx, box.Centre(), true); err != nil {
		return LocateSampleResult{}, err
	}

	return LocateSampleResult{Bounds: box, YCurve: yCurve, ZCurve: zCurve, XCurve: xCurve}, nil
}

// boundedRange converts a FindPeakBounds result over curve back into
// absolute coordinates, given the coordinate of sample index 0 and the
// step between samples. It falls back to the full curve span when no
// region clears the 50% threshold.
func boundedRange(curve []float64, origin, step float64) (lo, hi float64) {
	peaks := FindPeakBounds(curve, 1, 0.5)
	ranges := ReplaceNone(peaks, len(curve)-1)
	if len(ranges) == 0 {
		return origin, origin + float64(len(curve)-1)*step
	}
	return origin + float64(ranges[0][0])*step, origin + float64(ranges[0][1])*step
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
