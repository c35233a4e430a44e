package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// HandlerFunc answers one inbound request. Returning an error with a
// *WireError-compatible Kind is surfaced to the caller as that status code;
// any other error is surfaced as codes.Internal.
type HandlerFunc func(ctx context.Context, metadata map[string]string, params json.RawMessage) (any, error)

// CodedError lets a handler control the status code reported to the peer.
type CodedError interface {
	error
	Code() codes.Code
}

// Endpoint multiplexes many concurrent request/response pairs over a single
// Transport by correlation ID, and dispatches inbound requests to
// registered method handlers. One Endpoint serves one Transport in one
// direction of a session's two-way connector pairing.
type Endpoint struct {
	transport *Transport
	log       *slog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  map[string]chan Envelope

	done chan struct{}
}

// NewEndpoint constructs an Endpoint bound to transport. Call Serve to begin
// dispatching.
func NewEndpoint(transport *Transport, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	return &Endpoint{
		transport: transport,
		log:       log.With(slog.String("component", "rpc.endpoint")),
		handlers:  make(map[string]HandlerFunc),
		pending:   make(map[string]chan Envelope),
		done:      make(chan struct{}),
	}
}

// Handle registers a method handler. Not safe to call concurrently with Serve.
func (e *Endpoint) Handle(method string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
}

// Serve reads envelopes until the transport closes or ctx is done, dispatching
// requests to handlers and routing responses to waiting Call invocations.
// It blocks; run it in its own goroutine.
func (e *Endpoint) Serve(ctx context.Context) error {
	defer close(e.done)
	for {
		env, err := e.transport.Recv()
		if err != nil {
			e.failAllPending(err)
			return err
		}
		if env.IsRequest() {
			go e.dispatch(ctx, env)
			continue
		}
		e.mu.Lock()
		ch, ok := e.pending[env.ID]
		if ok {
			delete(e.pending, env.ID)
		}
		e.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, req Envelope) {
	e.mu.Lock()
	h, ok := e.handlers[req.Method]
	e.mu.Unlock()

	resp := Envelope{ID: req.ID}
	if !ok {
		resp.Err = NewError(codes.Unimplemented, fmt.Sprintf("rpc: no handler for method %q", req.Method))
	} else {
		result, err := h(ctx, req.Metadata, req.Params)
		if err != nil {
			code := codes.Internal
			var ce CodedError
			if asCoded(err, &ce) {
				code = ce.Code()
			}
			resp.Err = NewError(code, err.Error())
		} else if result != nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				resp.Err = NewError(codes.Internal, merr.Error())
			} else {
				resp.Result = raw
			}
		}
	}
	if err := e.transport.Send(resp); err != nil {
		e.log.Error("failed to send rpc response", slog.String("method", req.Method), slog.Any("error", err))
	}
}

func asCoded(err error, out *CodedError) bool {
	if ce, ok := err.(CodedError); ok {
		*out = ce
		return true
	}
	return false
}

// Call invokes method on the peer with params, waiting for a response or
// ctx cancellation. The raw JSON result sent back by the handler is
// returned; responses carry no metadata.
func (e *Endpoint) Call(ctx context.Context, method string, params any, metadata map[string]string) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)
	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()

	req := Envelope{ID: id, Method: method, Params: raw, Metadata: metadata}
	if err := e.transport.Send(req); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, NewError(codes.Unavailable, err.Error())
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Result, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, NewError(codes.DeadlineExceeded, ctx.Err().Error())
	}
}

func (e *Endpoint) failAllPending(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		ch <- Envelope{ID: id, Err: NewError(codes.Unavailable, cause.Error())}
		delete(e.pending, id)
	}
}

// Done returns a channel closed once Serve has returned.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close closes the underlying transport, which causes Serve to return.
func (e *Endpoint) Close() error { return e.transport.Close() }
