package rpc

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Dial connects to a peer's websocket RPC listener and returns a serving
// Endpoint. This is the production counterpart of internal/rpctest.Dial,
// used by cmd/qkdnode instead of the in-process test harness.
func Dial(ctx context.Context, address string) (*Endpoint, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	ep := NewEndpoint(NewTransport(conn), nil)
	go ep.Serve(ctx)
	return ep, nil
}

// upgrader is shared across all accepted connections; it carries no
// per-connection state, so a single instance suffices.
var upgrader = websocket.Upgrader{}

// ListenerHandler returns an http.Handler that upgrades every incoming
// request to a websocket, wraps it as an Endpoint, calls onAccept
// synchronously (so handlers can be registered before traffic flows), and
// then serves the endpoint until the connection closes or ctx is done.
func ListenerHandler(ctx context.Context, log *slog.Logger, onAccept func(*Endpoint)) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		ep := NewEndpoint(NewTransport(conn), log)
		if onAccept != nil {
			onAccept(ep)
		}
		go ep.Serve(ctx)
	})
}
