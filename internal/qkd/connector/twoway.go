// Package connector implements the two-way connector: establishing a
// bidirectional RPC pairing between two peers when the underlying
// transport only supports one side dialing the other.
//
// Grounded on original_source/src/CQPToolkit/Net/TwoWayServerConnector.h:
// Connect() dials the peer and waits for the peer to dial back; ConnectToMe
// is the RPC the peer uses to ask us to dial it; a mutex-guarded cached
// reverse channel with condition-variable-style notification (here, a
// channel that is closed exactly once) is shared between the RPC handler
// and the Connect/WaitForClient API, matching spec.md §4.2's concurrency
// note. A reentrancy flag guards ConnectToMe against being invoked
// recursively during a single connect (testable property 6).
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jaskrrish/qkd-node/internal/qkderr"
	"github.com/jaskrrish/qkd-node/internal/rpc"
)

// Method is the RPC method name this component registers.
const Method = "connector.ConnectToMe"

// DialFunc dials a peer address and returns an Endpoint ready to Serve.
type DialFunc func(ctx context.Context, address string) (*rpc.Endpoint, error)

type connectToMeParams struct {
	Address string `json:"address"`
}

// Connector establishes and tracks the reverse half of a two-way pairing.
// One Connector manages exactly one peer pairing, matching the session
// controller's one-peer-per-session model.
type Connector struct {
	myAddress string
	dial      DialFunc
	log       *slog.Logger

	mu                sync.Mutex
	connectToMeCalled bool // reentrancy guard
	forward           *rpc.Endpoint
	reverse           *rpc.Endpoint
	ready             chan struct{}
	readyClosed       bool
}

// New constructs a Connector. myAddress is the address the peer should dial
// back to reach us.
func New(myAddress string, dial DialFunc, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		myAddress: myAddress,
		dial:      dial,
		log:       log.With(slog.String("component", "connector")),
		ready:     make(chan struct{}),
	}
}

// Accept registers the ConnectToMe handler on a newly accepted inbound
// connection and, if no reverse channel has been adopted yet, adopts this
// one. Call this for every connection the local RPC listener accepts.
func (c *Connector) Accept(ep *rpc.Endpoint) {
	ep.Handle(Method, c.handleConnectToMe)
	c.adoptReverse(ep)
}

func (c *Connector) adoptReverse(ep *rpc.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reverse == nil {
		c.reverse = ep
	}
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
}

// handleConnectToMe is invoked when the peer asks us to dial it back. The
// reentrancy flag ensures a retried or duplicate request does not trigger a
// second dial-back.
func (c *Connector) handleConnectToMe(ctx context.Context, _ map[string]string, params json.RawMessage) (any, error) {
	var p connectToMeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "connector", 0, err)
	}

	c.mu.Lock()
	if c.connectToMeCalled {
		c.mu.Unlock()
		return struct{}{}, nil
	}
	c.connectToMeCalled = true
	c.mu.Unlock()

	reverse, err := c.dial(ctx, p.Address)
	if err != nil {
		c.mu.Lock()
		c.connectToMeCalled = false
		c.mu.Unlock()
		return nil, qkderr.New(qkderr.PeerUnreachable, "connector", 0, err)
	}
	c.adoptReverse(reverse)

	return struct{}{}, nil
}

// Connect dials peerAddr, asks the peer to dial us back, and waits up to
// timeout for the reverse connection to be accepted by our own listener.
// Returns the reverse endpoint: the channel to use for subsequent RPCs
// issued to the peer.
func (c *Connector) Connect(ctx context.Context, peerAddr string, timeout time.Duration) (*rpc.Endpoint, error) {
	forward, err := c.dial(ctx, peerAddr)
	if err != nil {
		return nil, qkderr.New(qkderr.PeerUnreachable, "connector", 0, fmt.Errorf("dial %s: %w", peerAddr, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := forward.Call(callCtx, Method, connectToMeParams{Address: c.myAddress}, nil); err != nil {
		forward.Close()
		return nil, qkderr.New(qkderr.PeerUnreachable, "connector", 0, fmt.Errorf("ConnectToMe: %w", err))
	}

	c.mu.Lock()
	c.forward = forward
	c.mu.Unlock()

	return c.WaitForClient(timeout)
}

// WaitForClient blocks until the reverse connection is observed or timeout
// elapses.
func (c *Connector) WaitForClient(timeout time.Duration) (*rpc.Endpoint, error) {
	c.mu.Lock()
	if c.reverse != nil {
		r := c.reverse
		c.mu.Unlock()
		return r, nil
	}
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		c.mu.Lock()
		r := c.reverse
		c.mu.Unlock()
		return r, nil
	case <-time.After(timeout):
		return nil, qkderr.New(qkderr.PeerUnreachable, "connector", 0, fmt.Errorf("timed out waiting for reverse connection after %s", timeout))
	}
}

// GetClient returns the currently established reverse channel, if any.
func (c *Connector) GetClient() *rpc.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reverse
}

// Disconnect drops both directions and clears the reentrancy guard.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forward != nil {
		c.forward.Close()
		c.forward = nil
	}
	if c.reverse != nil {
		c.reverse.Close()
		c.reverse = nil
	}
	c.connectToMeCalled = false
	c.ready = make(chan struct{})
	c.readyClosed = false
}
