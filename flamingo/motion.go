package flamingo

import "context"

// MotionStatus tracks per-axis stage-motion-stopped signals so move_to can
// optionally wait for confirmed motion completion (spec.md §4.8,
// move_to(verify=true)).
type MotionStatus struct {
	events [4]*Event // indexed by Axis-1
}

// NewMotionStatus returns a status tracker with every axis cleared.
func NewMotionStatus() *MotionStatus {
	m := &MotionStatus{}
	for i := range m.events {
		m.events[i] = NewEvent()
	}
	return m
}

// MarkStopped records a stage-motion-stopped frame for axis.
func (m *MotionStatus) MarkStopped(axis Axis) {
	if axis < AxisX || axis > AxisR {
		return
	}
	m.events[axis-1].Set()
}

// ClearAll resets every axis ahead of a new verified move.
func (m *MotionStatus) ClearAll() {
	for _, e := range m.events {
		e.Clear()
	}
}

// Wait blocks until axis reports stopped or ctx concludes.
func (m *MotionStatus) Wait(ctx context.Context, axis Axis) error {
	return m.events[axis-1].Wait(ctx)
}
