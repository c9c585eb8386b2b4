package flamingo

import (
	"context"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// maxConsecutiveProtocolErrors is spec.md §7's desync escalation
// threshold: three consecutive bad-marker/short-frame decodes on the
// command channel escalate to ProtocolDesync.
const maxConsecutiveProtocolErrors = 3

// CmdListener runs the command-channel listener thread (C4): recv_exact(128)
// -> decode -> dispatch by opcode to in-memory effects. It never blocks the
// caller's own goroutine; Session starts it with `go (*CmdListener).Run`.
type CmdListener struct {
	Conn      *Conn
	Opcodes   *OpcodeTable
	Idle      *Event
	Busy      *Event
	SettingsChanged *Event
	Terminate *Event
	Positions *PositionCache
	Motion    *MotionStatus
	Scalars   *Queue[ScalarResult]
	Blobs     *Queue[[]byte]

	// Diagnostics receives every protocol/transport error this listener
	// observes, including the ProtocolDesync escalation, per spec.md §7:
	// "errors are never silently swallowed by listener threads; they are
	// published to a diagnostics channel." Session.LastDiagnostic reads it.
	Diagnostics *LatestSlot[error]

	SettingsPath string

	Logger *log.Logger

	onDesync func()

	consecutiveErrors int
	unknownOpcodes    int
}

// Run loops until Terminate is set or a transport error occurs, at which
// point it sets Terminate itself and returns.
func (l *CmdListener) Run(ctx context.Context) {
	for {
		if l.Terminate.IsSet() {
			return
		}

		raw, err := l.Conn.RecvExact(frameSize)
		if err != nil {
			l.logf("command channel closed: %v", err)
			l.publish(errTransport(err.Error()))
			l.Terminate.Set()
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			l.handleProtocolError(err)
			if l.Terminate.IsSet() {
				return
			}
			continue
		}
		l.consecutiveErrors = 0

		if err := l.dispatch(frame); err != nil {
			l.logf("command channel closed while draining payload: %v", err)
			l.publish(errTransport(err.Error()))
			l.Terminate.Set()
			return
		}
	}
}

func (l *CmdListener) handleProtocolError(err error) {
	l.consecutiveErrors++
	l.logf("protocol error on command channel (%d/%d consecutive): %v", l.consecutiveErrors, maxConsecutiveProtocolErrors, err)
	l.publish(err)
	if l.consecutiveErrors >= maxConsecutiveProtocolErrors {
		l.logf("protocol desync: %d consecutive command-channel errors", l.consecutiveErrors)
		l.publish(errProtocolDesync())
		l.Terminate.Set()
		if l.onDesync != nil {
			l.onDesync()
		}
	}
}

func (l *CmdListener) publish(err error) {
	if l.Diagnostics != nil {
		l.Diagnostics.Put(err)
	}
}

func (l *CmdListener) dispatch(frame CommandFrame) error {
	var payload []byte
	if frame.AdditionalDataBytes > 0 {
		p, err := l.Conn.RecvExact(int(frame.AdditionalDataBytes))
		if err != nil {
			return err
		}
		payload = p
	}

	name := l.Opcodes.Name(frame.CommandCode)
	switch name {
	case OpSystemStateIdle:
		l.Idle.Set()
		l.Busy.Clear()

	case OpSettingsLoad:
		if len(payload) > 0 {
			if err := l.replaceSettingsFile(payload); err != nil {
				l.logf("failed to persist settings payload: %v", err)
			} else {
				l.SettingsChanged.Set()
			}
		}

	case OpCameraPixelFOVGet:
		if frame.Value > 0 {
			l.Scalars.Put(ScalarResult{Kind: "pixel-fov", MeanTopQuartile: frame.Value})
		} else {
			l.logf("camera-pixel-fov-get reported negative value %v", frame.Value)
		}

	case OpCameraImageSizeGet:
		l.Scalars.Put(ScalarResult{Kind: "frame-size", ArgmaxPlaneIndex: int(frame.Params.Param1)})

	case OpCameraCheckStack:
		l.Blobs.Put(payload)

	case OpStagePositionGet:
		l.Positions.Update(Axis(frame.Params.Param0), frame.Value)

	case OpStageMotionStopped:
		if l.Motion != nil {
			l.Motion.MarkStopped(Axis(frame.Params.Param0))
		}

	case "":
		l.unknownOpcodes++
		l.logf("unknown opcode 0x%08X (seen %d times)", frame.CommandCode, l.unknownOpcodes)

	default:
		// Recognized but not acted on by the listener (e.g. settings-save
		// or workflow-start echoed back as an acknowledgement).
	}

	return nil
}

func (l *CmdListener) replaceSettingsFile(payload []byte) error {
	dir := filepath.Dir(l.SettingsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, l.SettingsPath)
}

func (l *CmdListener) logf(format string, args ...interface{}) {
	if l.Logger != nil {
		l.Logger.Warnf(format, args...)
	}
}
