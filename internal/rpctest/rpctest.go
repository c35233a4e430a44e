// Package rpctest provides an in-process websocket listener and dialer for
// exercising internal/rpc-based components (connector, session, alignment,
// sifting) end to end in tests, without any real network or TLS setup.
package rpctest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jaskrrish/qkd-node/internal/rpc"
)

// Node is a single addressable test peer: an httptest server that upgrades
// every incoming connection to a websocket and hands the resulting Endpoint
// to onAccept before serving it.
type Node struct {
	srv      *httptest.Server
	ctx      context.Context
	onAccept func(*rpc.Endpoint)
}

// NewNode starts a listening test node. onAccept is called synchronously
// with each newly accepted Endpoint so the caller can register handlers
// before any traffic is processed.
func NewNode(ctx context.Context, onAccept func(*rpc.Endpoint)) *Node {
	n := &Node{ctx: ctx, onAccept: onAccept}
	upgrader := websocket.Upgrader{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ep := rpc.NewEndpoint(rpc.NewTransport(conn), nil)
		if n.onAccept != nil {
			n.onAccept(ep)
		}
		go ep.Serve(n.ctx)
	}))
	return n
}

// Addr returns this node's ws:// URL, suitable as a peer address.
func (n *Node) Addr() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

// Close shuts down the underlying test server.
func (n *Node) Close() { n.srv.Close() }

// Dial connects to a peer address previously returned by (*Node).Addr and
// returns a serving Endpoint.
func Dial(ctx context.Context, address string) (*rpc.Endpoint, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	ep := rpc.NewEndpoint(rpc.NewTransport(conn), nil)
	go ep.Serve(ctx)
	return ep, nil
}
