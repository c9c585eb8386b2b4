package flamingo

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

const (
	idlePollInterval = 100 * time.Millisecond
	resyncInterval   = 5 * time.Second
)

// CommandEntry is one queued outbound command: an opcode plus whatever
// parameters/value it carries. Payload-bearing opcodes (workflow-start,
// settings-save, camera-check-stack) source their payload from disk/the
// active workflow rather than from the entry itself, per spec.md §4.6's
// file-as-IPC contract.
type CommandEntry struct {
	Opcode string
	Params Params
	Value  float64

	// Done, if non-nil, is closed once the frame has actually been
	// written to the socket. Session.MoveTo uses this to wait for the
	// command queue to drain between successive axis moves without
	// polling Commands.Len().
	Done chan struct{}
}

// Sender runs the sender thread (C6): serializes outgoing commands in
// strict FIFO order, enforcing the idle-gating protocol around
// workflow-start.
type Sender struct {
	Conn      *Conn
	Opcodes   *OpcodeTable
	Commands  *Queue[CommandEntry]
	Idle      *Event
	Terminate *Event

	WorkflowPath        string
	PendingSettingsPath string
	ActiveWorkflow      func() *Workflow

	Logger *log.Logger
}

// Run drains Commands in order until ctx is cancelled, the queue closes,
// or Terminate is set.
func (s *Sender) Run(ctx context.Context) {
	for {
		if s.Terminate.IsSet() {
			return
		}

		entry, ok, err := s.Commands.Get(ctx)
		if err != nil || !ok {
			return
		}

		if err := s.send(ctx, entry); err != nil {
			s.logf("send failed, terminating session: %v", err)
			s.Terminate.Set()
			return
		}
		if entry.Done != nil {
			close(entry.Done)
		}
	}
}

func (s *Sender) send(ctx context.Context, entry CommandEntry) error {
	code, ok := s.Opcodes.Code(entry.Opcode)
	if !ok {
		s.logf("dropping command with unknown opcode %q", entry.Opcode)
		return nil
	}

	switch entry.Opcode {
	case OpWorkflowStart:
		payload, err := os.ReadFile(s.WorkflowPath)
		if err != nil {
			return err
		}
		s.Idle.Clear()
		if err := s.Conn.SendAll(EncodeFrame(code, Params{}, 0.0, payload)); err != nil {
			return err
		}
		s.waitIdleWithResync(ctx)
		return nil

	case OpSettingsSave:
		payload, err := os.ReadFile(s.PendingSettingsPath)
		if err != nil {
			return err
		}
		return s.Conn.SendAll(EncodeFrame(code, Params{}, 0.0, payload))

	case OpCameraCheckStack:
		var buf bytes.Buffer
		if wf := s.ActiveWorkflow(); wf != nil {
			if err := DumpWorkflowText(wf, &buf); err != nil {
				return err
			}
		}
		return s.Conn.SendAll(EncodeFrame(code, entry.Params, entry.Value, buf.Bytes()))

	default:
		return s.Conn.SendAll(EncodeFrame(code, entry.Params, entry.Value, nil))
	}
}

// waitIdleWithResync polls Idle at a 100ms cadence; if 5 seconds elapse
// without it, it proactively sends system-state-get once per 5 seconds to
// resynchronize. It never gives up on its own — only ctx cancellation
// (session close) or Idle finally arriving ends the wait, matching
// spec.md §4.6: "the sender never times the microscope's execution out."
func (s *Sender) waitIdleWithResync(ctx context.Context) {
	sinceResync := time.Now()
	for {
		pollCtx, cancel := context.WithTimeout(ctx, idlePollInterval)
		err := s.Idle.Wait(pollCtx)
		cancel()

		if err == nil {
			return // idle arrived
		}
		if ctx.Err() != nil || s.Terminate.IsSet() {
			return
		}

		if time.Since(sinceResync) >= resyncInterval {
			sinceResync = time.Now()
			if code, ok := s.Opcodes.Code(OpSystemStateGet); ok {
				if sendErr := s.Conn.SendAll(EncodeFrame(code, Params{}, 0.0, nil)); sendErr != nil {
					s.logf("resync send failed: %v", sendErr)
					s.Terminate.Set()
					return
				}
			}
		}
	}
}

func (s *Sender) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Warnf(format, args...)
	}
}
