package flamingo

import (
	"context"
	"fmt"
)

// MultiAngleCollect runs a tiled Z-stack acquisition along each angle's
// top-centre-bottom polyline from TraceEllipse, the way
// original_source's multi_angle_collect.py walks a per-angle travel path
// one tile at a time. tilesPerAngle controls how many consecutive
// Z-stack tiles cover each angle's full polyline; workflows run
// sequentially, each waiting for the previous to finish.
func (s *Session) MultiAngleCollect(ctx context.Context, points []EllipsePoint, tilesPerAngle int) error {
	if tilesPerAngle < 1 {
		tilesPerAngle = 1
	}

	for _, p := range points {
		if err := checkCancelled(ctx); err != nil {
			return err
		}

		waypoints := interpolatePolyline([]Position{p.Top, p.Centre, p.Bottom}, tilesPerAngle+1)
		for i := 0; i < len(waypoints)-1; i++ {
			if err := checkCancelled(ctx); err != nil {
				return err
			}
			kind := fmt.Sprintf("MultiAngle-%.1f-tile%d", p.AngleDeg, i)
			if _, err := s.RunWorkflow(ctx, NewZStackWorkflow(waypoints[i], waypoints[i+1]), kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// interpolatePolyline returns n points evenly spaced by arc length along
// the polyline through pts, including both endpoints.
func interpolatePolyline(pts []Position, n int) []Position {
	if len(pts) < 2 || n < 2 {
		return pts
	}

	segLen := make([]float64, len(pts)-1)
	var total float64
	for i := range segLen {
		segLen[i] = pts[i+1].Sub(pts[i].Vector).Norm()
		total += segLen[i]
	}
	if total == 0 {
		out := make([]Position, n)
		for i := range out {
			out[i] = pts[0]
		}
		return out
	}

	out := make([]Position, n)
	for i := 0; i < n; i++ {
		target := total * float64(i) / float64(n-1)
		var acc float64
		for seg := range segLen {
			last := seg == len(segLen)-1
			if target <= acc+segLen[seg] || last {
				segT := 0.0
				if segLen[seg] > 0 {
					segT = (target - acc) / segLen[seg]
					if segT > 1 {
						segT = 1
					}
				}
				out[i] = pts[seg].Lerp(pts[seg+1], segT)
				break
			}
			acc += segLen[seg]
		}
	}
	return out
}
