package rpc

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport serializes Envelope frames over a *websocket.Conn. A websocket
// connection permits only one concurrent writer, so Send is mutex-guarded;
// Recv has no such restriction (only one goroutine reads per Endpoint).
type Transport struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
}

// NewTransport wraps an established websocket connection.
func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// Send writes one envelope as a JSON text frame.
func (t *Transport) Send(e Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(e); err != nil {
		return fmt.Errorf("rpc: send: %w", err)
	}
	return nil
}

// Recv blocks for the next envelope.
func (t *Transport) Recv() (Envelope, error) {
	var e Envelope
	if err := t.conn.ReadJSON(&e); err != nil {
		return Envelope{}, fmt.Errorf("rpc: recv: %w", err)
	}
	return e, nil
}

// Close shuts down the underlying connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
