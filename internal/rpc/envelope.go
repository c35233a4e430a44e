// Package rpc implements the cross-side request/response substrate every
// session-controller-driven stage runs over: a persistent full-duplex
// transport carrying correlation-id-keyed JSON envelopes, with errors
// surfaced as the nearest gRPC-style status code per spec.md §7.
//
// The teacher has no RPC layer of its own (BB84Protocol.PerformKeyExchange
// runs in one process); the envelope/encoding style is grounded on the
// teacher's net/http JSON handlers (internal/handlers/handlers.go), and the
// transport is grounded on the pack's gorilla/websocket dependency (present
// in several example repos' go.mod manifests) adapted to the
// bidirectional-dial workaround spec.md §4.2 requires.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/codes"
)

// Envelope is the wire frame for both requests and responses. A request has
// Method and Params set; a response has the matching ID and either Result
// or Err set.
type Envelope struct {
	ID       string            `json:"id"`
	Method   string            `json:"method,omitempty"`
	Params   json.RawMessage   `json:"params,omitempty"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Err      *WireError        `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WireError is the JSON projection of a status code + message.
type WireError struct {
	StatusCode uint32 `json:"code"`
	Message    string `json:"message"`
}

// IsRequest reports whether this envelope carries a method invocation
// rather than a response to one.
func (e Envelope) IsRequest() bool { return e.Method != "" }

// NewError builds a WireError from a code and message.
func NewError(code codes.Code, message string) *WireError {
	return &WireError{StatusCode: uint32(code), Message: message}
}

// Code returns the gRPC-style status code carried by a WireError.
func (w *WireError) Code() codes.Code { return codes.Code(w.StatusCode) }

func (w *WireError) Error() string { return w.Message }
