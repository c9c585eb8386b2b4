package flamingo

import (
	"context"
	"math"
	"sort"

	"github.com/charmbracelet/log"
)

// ScalarResult is what the processor publishes back, tagged by kind so a
// single scalar queue can carry both 2-D and 3-D reductions (spec.md §4.7).
type ScalarResult struct {
	Kind string // "intensity" or "focus" from the processor; "pixel-fov" or "frame-size" from the command listener

	MeanTopQuartile float64
	RollingCurve    []float64

	ArgmaxPlaneIndex int
}

// Processor computes reductions on frames/stacks — focus and intensity —
// publishing them to the scalar queue for any consumer that wants a
// standing feed of every acquisition's reduction (e.g. a UI panel).
// SessionState holds four distinct typed queues (image, stack, scalar,
// blob); the processor owns one worker loop per input queue, both
// publishing onto the shared Scalars queue, the way the teacher's transmit
// thread owns one wake_up_cond per radio channel in tq.go rather than
// multiplexing every channel through a single condition variable.
//
// The acquisition procedures in locate.go/ellipse.go deliberately do not
// read this queue: with multiple concurrent producers there is no way to
// tell which entry corresponds to which in-flight submission, so they call
// Sharpness/RollingYIntensity/FindMostInFocusPlane directly on the
// frame/stack RunWorkflow already handed them. Session.querySensorGeometry
// is the one caller that does consume Scalars, for the one-time pixel-FOV
// and frame-size query at Open, before this processor has anything to
// publish.
type Processor struct {
	Frames          *Queue[Frame2D]
	Stacks          *Queue[Stack3D]
	Scalars         *Queue[ScalarResult]
	RollingWindowPX int
	Logger          *log.Logger
}

// Run starts both worker loops and blocks until ctx is cancelled and both
// have exited.
func (p *Processor) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { p.runFrames(ctx); done <- struct{}{} }()
	go func() { p.runStacks(ctx); done <- struct{}{} }()
	<-done
	<-done
}

func (p *Processor) runFrames(ctx context.Context) {
	for {
		frame, ok, err := p.Frames.Get(ctx)
		if err != nil || !ok {
			return
		}
		topQuartile, curve := RollingYIntensity(frame, p.windowOrDefault())
		p.Scalars.Put(ScalarResult{Kind: "intensity", MeanTopQuartile: topQuartile, RollingCurve: curve})
	}
}

func (p *Processor) runStacks(ctx context.Context) {
	for {
		stack, ok, err := p.Stacks.Get(ctx)
		if err != nil || !ok {
			return
		}
		plane := FindMostInFocusPlane(stack)
		p.Scalars.Put(ScalarResult{Kind: "focus", ArgmaxPlaneIndex: plane})
	}
}

func (p *Processor) windowOrDefault() int {
	if p.RollingWindowPX <= 0 {
		return 21
	}
	return p.RollingWindowPX
}

// laplacianAt computes the 4-neighbour discrete Laplacian at (x, y),
// clamping at the border by reflecting the centre value (a zero-gradient
// boundary condition, the simplest one that keeps sharpness defined at
// every pixel without a separate border pass).
func laplacianAt(f Frame2D, x, y int) float64 {
	c := float64(f.At(x, y))
	left, right, up, down := c, c, c, c
	if x > 0 {
		left = float64(f.At(x-1, y))
	}
	if x < f.Width-1 {
		right = float64(f.At(x+1, y))
	}
	if y > 0 {
		up = float64(f.At(x, y-1))
	}
	if y < f.Height-1 {
		down = float64(f.At(x, y+1))
	}
	return left + right + up + down - 4*c
}

// Sharpness is the mean absolute 4-neighbour Laplacian across a 2-D frame.
func Sharpness(f Frame2D) float64 {
	if f.Width == 0 || f.Height == 0 {
		return 0
	}
	var sum float64
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			sum += math.Abs(laplacianAt(f, x, y))
		}
	}
	return sum / float64(f.Width*f.Height)
}

// FindMostInFocusPlane returns the index of the sharpest plane in a stack,
// breaking ties at the lowest index (spec.md §4.7).
func FindMostInFocusPlane(stack Stack3D) int {
	best := -1
	bestSharpness := math.Inf(-1)
	for i, plane := range stack.Planes {
		s := Sharpness(plane)
		if s > bestSharpness {
			bestSharpness = s
			best = i
		}
	}
	return best
}

// RollingYIntensity computes a rolling-window mean intensity curve along Y
// (averaging each row across X, then smoothing along Y with a window of
// the given width) and the mean of its top quartile of values.
func RollingYIntensity(f Frame2D, window int) (meanTopQuartile float64, curve []float64) {
	if f.Height == 0 || f.Width == 0 {
		return 0, nil
	}
	rowMeans := make([]float64, f.Height)
	for y := 0; y < f.Height; y++ {
		var sum float64
		for x := 0; x < f.Width; x++ {
			sum += float64(f.At(x, y))
		}
		rowMeans[y] = sum / float64(f.Width)
	}

	if window < 1 {
		window = 1
	}
	curve = make([]float64, f.Height)
	half := window / 2
	for y := 0; y < f.Height; y++ {
		lo := y - half
		if lo < 0 {
			lo = 0
		}
		hi := y + half
		if hi > f.Height-1 {
			hi = f.Height - 1
		}
		var sum float64
		for k := lo; k <= hi; k++ {
			sum += rowMeans[k]
		}
		curve[y] = sum / float64(hi-lo+1)
	}

	sorted := append([]float64(nil), curve...)
	sort.Float64s(sorted)
	quartileStart := (3 * len(sorted)) / 4
	if quartileStart >= len(sorted) {
		quartileStart = len(sorted) - 1
	}
	top := sorted[quartileStart:]
	var sum float64
	for _, v := range top {
		sum += v
	}
	meanTopQuartile = sum / float64(len(top))

	return meanTopQuartile, curve
}

func meanAndStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// CheckMaxima returns the indices of local maxima in values: a sample
// strictly greater than both neighbours, and exceeding mean + 4*std
// (spec.md §4.7).
func CheckMaxima(values []float64) []int {
	if len(values) < 3 {
		return nil
	}
	mean, std := meanAndStd(values)
	threshold := mean + 4*std

	var maxima []int
	for i := 1; i < len(values)-1; i++ {
		if values[i] > values[i-1] && values[i] > values[i+1] && values[i] > threshold {
			maxima = append(maxima, i)
		}
	}
	return maxima
}

// PeakBound is a (low, high) index pair spanning a contiguous region whose
// values exceed a threshold fraction of the global max. A nil bound on
// either side means the region runs to that side's array edge; the caller
// clamps with ReplaceNone.
type PeakBound struct {
	Low  *int
	High *int
}

// FindPeakBounds returns up to numPeaks contiguous regions of values that
// exceed thresholdPct of the global max, per spec.md §4.7. Regions are
// returned in the order they occur in values.
func FindPeakBounds(values []float64, numPeaks int, thresholdPct float64) []PeakBound {
	if len(values) == 0 || numPeaks <= 0 {
		return nil
	}

	globalMax := values[0]
	for _, v := range values {
		if v > globalMax {
			globalMax = v
		}
	}
	threshold := globalMax * thresholdPct

	var bounds []PeakBound
	inRegion := false
	var start int
	for i, v := range values {
		above := v > threshold
		if above && !inRegion {
			inRegion = true
			start = i
		} else if !above && inRegion {
			inRegion = false
			bounds = append(bounds, boundFor(start, i-1, len(values)))
			if len(bounds) == numPeaks {
				return bounds
			}
		}
	}
	if inRegion {
		bounds = append(bounds, boundFor(start, len(values)-1, len(values)))
	}
	if len(bounds) > numPeaks {
		bounds = bounds[:numPeaks]
	}
	return bounds
}

func boundFor(start, end, n int) PeakBound {
	b := PeakBound{}
	if start > 0 {
		lo := start
		b.Low = &lo
	}
	if end < n-1 {
		hi := end
		b.High = &hi
	}
	return b
}

// ReplaceNone substitutes 0 for a nil Low bound and nMax for a nil High
// bound, per spec.md §8 item 7.
func ReplaceNone(bounds []PeakBound, nMax int) [][2]int {
	out := make([][2]int, len(bounds))
	for i, b := range bounds {
		lo, hi := 0, nMax
		if b.Low != nil {
			lo = *b.Low
		}
		if b.High != nil {
			hi = *b.High
		}
		out[i] = [2]int{lo, hi}
	}
	return out
}
