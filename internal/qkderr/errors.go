// Package qkderr defines the typed error taxonomy shared by every pipeline
// stage, mirroring the teacher's sentinel-error style in
// internal/models/qkd/session.go but generalized to every component instead
// of only the session layer.
package qkderr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind classifies a pipeline failure so that callers can decide whether it
// is fatal to the session or merely abandons the current frame.
type Kind string

const (
	// PeerUnreachable: dial or ConnectToMe timed out.
	PeerUnreachable Kind = "peer_unreachable"
	// ProtocolMismatch: algorithm identifiers differ, or a wire value is out of range.
	ProtocolMismatch Kind = "protocol_mismatch"
	// FrameAbandoned: alignment could not lock, sifter had no local frame, or
	// reconciliation exceeded the QBER threshold. Non-fatal.
	FrameAbandoned Kind = "frame_abandoned"
	// LengthMismatch: a basis list length does not match the local kept qubits. Non-fatal.
	LengthMismatch Kind = "length_mismatch"
	// ReconciliationFailed: error correction could not converge. Non-fatal.
	ReconciliationFailed Kind = "reconciliation_failed"
	// SessionFaulted: controller detected an unrecoverable condition. Fatal.
	SessionFaulted Kind = "session_faulted"
	// Internal: an invariant was violated. Fatal.
	Internal Kind = "internal"
)

// Fatal reports whether errors of this kind abort the session rather than
// merely abandoning the current frame.
func (k Kind) Fatal() bool {
	switch k {
	case SessionFaulted, Internal:
		return true
	default:
		return false
	}
}

// Error is a typed pipeline failure carrying a Kind, the originating
// component, and an optional wrapped cause.
type Error struct {
	Kind      Kind
	Component string
	FrameID   uint64
	Err       error
}

func (e *Error) Error() string {
	if e.FrameID != 0 {
		return fmt.Sprintf("%s: %s (frame %d): %v", e.Component, e.Kind, e.FrameID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the gRPC-style status code for this error's Kind, satisfying
// rpc.CodedError so handlers can return *Error directly.
func (e *Error) Code() codes.Code { return e.Kind.Code() }

// New constructs a typed pipeline error.
func New(kind Kind, component string, frameID uint64, cause error) *Error {
	return &Error{Kind: kind, Component: component, FrameID: frameID, Err: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Code maps a Kind to the nearest gRPC-style status code, per the RPC
// error-mapping rule in the error handling design.
func (k Kind) Code() codes.Code {
	switch k {
	case PeerUnreachable:
		return codes.Unavailable
	case ProtocolMismatch:
		return codes.InvalidArgument
	case LengthMismatch:
		return codes.OutOfRange
	case FrameAbandoned, ReconciliationFailed:
		return codes.Aborted
	case SessionFaulted:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
