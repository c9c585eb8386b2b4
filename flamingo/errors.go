package flamingo

import (
	"errors"
	"fmt"
)

// ProtocolError covers malformed wire frames: bad markers and short reads.
// It is logged and counted by the listener that encountered it rather than
// treated as fatal by itself — see SessionError.ProtocolDesync for the
// escalation path. Unknown opcodes are not reported as a ProtocolError; the
// command-channel listener only counts and logs them.
type ProtocolError struct {
	Kind string // "BadMarker", "ShortFrame"
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol error: %s", e.Kind)
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Kind, e.Detail)
}

func errBadMarker(detail string) error  { return &ProtocolError{Kind: "BadMarker", Detail: detail} }
func errShortFrame(detail string) error { return &ProtocolError{Kind: "ShortFrame", Detail: detail} }

// DocError covers malformed workflow text or missing/invalid fields.
type DocError struct {
	Kind string // "Syntax", "Missing", "BadValue"
	Line int    // 1-based, 0 when not line-specific
	Detail string
}

func (e *DocError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("workflow document error: %s at line %d: %s", e.Kind, e.Line, e.Detail)
	}
	return fmt.Sprintf("workflow document error: %s: %s", e.Kind, e.Detail)
}

func errDocSyntax(line int, detail string) error {
	return &DocError{Kind: "Syntax", Line: line, Detail: detail}
}
func errDocMissing(detail string) error { return &DocError{Kind: "Missing", Detail: detail} }
func errDocBadValue(detail string) error { return &DocError{Kind: "BadValue", Detail: detail} }

// SessionError covers transport failures, timeouts, desync escalation, and
// semantic range violations. Kind selects the taxonomy bucket named in
// spec.md §7; Reason carries a human-readable cause.
type SessionError struct {
	Kind   string // "Transport", "ConnectFailed", "ProtocolDesync", "WorkflowTimeout", "SettingsTimeout", "PositionQueryTimeout", "OutOfRange", "Cancelled"
	Reason string
}

func (e *SessionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session error: %s", e.Kind)
	}
	return fmt.Sprintf("session error: %s: %s", e.Kind, e.Reason)
}

func errConnectFailed(reason string) error { return &SessionError{Kind: "ConnectFailed", Reason: reason} }
func errTransport(reason string) error     { return &SessionError{Kind: "Transport", Reason: reason} }
func errProtocolDesync() error             { return &SessionError{Kind: "ProtocolDesync"} }
func errWorkflowTimeout() error            { return &SessionError{Kind: "WorkflowTimeout"} }
func errSettingsTimeout() error            { return &SessionError{Kind: "SettingsTimeout"} }
func errPositionQueryTimeout() error       { return &SessionError{Kind: "PositionQueryTimeout"} }
func errOutOfRange(reason string) error    { return &SessionError{Kind: "OutOfRange", Reason: reason} }

// ErrCancelled is returned by acquisition procedures when the caller's
// cancellation token fires between workflow submissions.
var ErrCancelled = &SessionError{Kind: "Cancelled"}

// IsCancelled reports whether err is (or wraps) ErrCancelled.
func IsCancelled(err error) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Kind == "Cancelled"
}
