package flamingo

import (
	"context"
	"net"
	"time"

	"github.com/charmbracelet/log"
)

// perFrameHeaderTimeout is spec.md §4.5's stack-truncation detector: if a
// per-frame header within a stack blocks longer than this, whatever was
// collected is emitted and the listener returns to header-read mode.
const perFrameHeaderTimeout = 1 * time.Second

// ImageListener runs the image-channel listener thread (C5): parse header,
// assemble single frames and Z-stacks, enqueue for the processor.
type ImageListener struct {
	Conn      *Conn
	Terminate *Event

	Frames    *Queue[Frame2D]
	Stacks    *Queue[Stack3D]
	Visualize *LatestSlot[Frame2D]

	// Diagnostics receives transport errors this listener observes, per
	// spec.md §7. Session.LastDiagnostic reads it.
	Diagnostics *LatestSlot[error]

	// ActiveWorkflow returns the workflow document currently governing
	// acquisition, consulted for Stack Settings.Number of planes and
	// Experiment Settings.Display max projection.
	ActiveWorkflow func() *Workflow

	DefaultPlaneCount int // spec.md §9's "auto" fallback, default 200

	Logger *log.Logger
}

// Run loops until Terminate is set or a transport error occurs.
func (l *ImageListener) Run(ctx context.Context) {
	for {
		if l.Terminate.IsSet() {
			return
		}

		raw, err := l.Conn.RecvExact(imageHeaderSize)
		if err != nil {
			l.logf("image channel closed: %v", err)
			l.publish(errTransport(err.Error()))
			l.Terminate.Set()
			return
		}
		header, err := DecodeImageHeader(raw)
		if err != nil {
			l.logf("bad image header: %v", err)
			continue
		}

		wf := l.ActiveWorkflow()
		mip := wf != nil && wf.DisplayMaxProjection()
		defaultN := l.DefaultPlaneCount
		if defaultN <= 0 {
			defaultN = 200
		}
		planes := 1
		if wf != nil {
			n, _, err := wf.PlaneCount(defaultN)
			if err == nil {
				planes = n
			}
		}

		if mip || planes == 1 {
			frame, err := l.readFrame(header)
			if err != nil {
				l.logf("image channel closed mid-frame: %v", err)
				l.publish(errTransport(err.Error()))
				l.Terminate.Set()
				return
			}
			l.Frames.Put(frame)
			l.Visualize.Put(frame)
			continue
		}

		stack, truncated, err := l.readStack(header, planes)
		if err != nil {
			l.logf("image channel closed mid-stack: %v", err)
			l.publish(errTransport(err.Error()))
			l.Terminate.Set()
			return
		}
		if truncated {
			l.logf("stack truncated after %d/%d planes (per-frame header timeout)", len(stack.Planes), planes)
		}
		if len(stack.Planes) > 0 {
			l.Stacks.Put(stack)
			l.Visualize.Put(stack.Planes[len(stack.Planes)-1])
		}
	}
}

func (l *ImageListener) readFrame(header ImageHeader) (Frame2D, error) {
	raw, err := l.Conn.RecvExact(int(header.ImageSize))
	if err != nil {
		return Frame2D{}, err
	}
	pixels := decodePixels(raw)
	return transposeAndFlip(pixels, int(header.ImageWidth), int(header.ImageHeight)), nil
}

// readStack collects `planes` consecutive images, each after frame 1
// preceded by a fresh 40-byte header. truncated reports whether a
// per-frame header read exceeded perFrameHeaderTimeout.
func (l *ImageListener) readStack(first ImageHeader, planes int) (Stack3D, bool, error) {
	firstFrame, err := l.readFrame(first)
	if err != nil {
		return Stack3D{}, false, err
	}
	stack := Stack3D{Width: firstFrame.Width, Height: firstFrame.Height, Planes: []Frame2D{firstFrame}}

	for i := 1; i < planes; i++ {
		raw, err := l.Conn.RecvExactDeadline(imageHeaderSize, time.Now().Add(perFrameHeaderTimeout))
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return stack, true, nil
			}
			return stack, false, err
		}
		header, err := DecodeImageHeader(raw)
		if err != nil {
			l.logf("bad per-frame header in stack, plane %d: %v", i, err)
			return stack, true, nil
		}
		frame, err := l.readFrame(header)
		if err != nil {
			return stack, false, err
		}
		stack.Planes = append(stack.Planes, frame)
	}
	return stack, false, nil
}

// decodePixels interprets raw as 16-bit little-endian grayscale, row-major.
func decodePixels(raw []byte) []uint16 {
	pixels := make([]uint16, len(raw)/2)
	for i := range pixels {
		pixels[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return pixels
}

func (l *ImageListener) publish(err error) {
	if l.Diagnostics != nil {
		l.Diagnostics.Put(err)
	}
}

func (l *ImageListener) logf(format string, args ...interface{}) {
	if l.Logger != nil {
		l.Logger.Warnf(format, args...)
	}
}
