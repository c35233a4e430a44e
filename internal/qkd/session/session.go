// Package session implements the Session Controller from spec.md §4.1: the
// state machine that brings up a matched pipeline on both peers, ensures
// every stage has a working RPC link to its counterpart before data flows,
// drains cleanly at session end, and surfaces link status.
//
// Grounded on the teacher's internal/qkd/session.go SessionManager: the
// uuid.UUID-keyed map of live sessions guarded by one sync.RWMutex, and its
// updateSessionStatus bookkeeping pattern, generalized from a flat
// Idle/Active/Completed/Failed status enum to spec.md §4.1's full state
// machine (Idle/Listening/Connected/SessionStarted/Ending/Faulted) with
// explicit transition methods instead of free-form status writes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jaskrrish/qkd-node/internal/qkd/connector"
	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
	"github.com/jaskrrish/qkd-node/internal/qkd/keyagree"
	"github.com/jaskrrish/qkd-node/internal/qkderr"
	"github.com/jaskrrish/qkd-node/internal/rpc"
)

// State is one of spec.md §4.1's session-controller states.
type State int

const (
	Idle State = iota
	Listening
	Connected
	SessionStarted
	Ending
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Listening:
		return "Listening"
	case Connected:
		return "Connected"
	case SessionStarted:
		return "SessionStarted"
	case Ending:
		return "Ending"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Method names for the two session-lifecycle RPC endpoints (spec.md §6).
const (
	MethodSessionStarting = "session.SessionStarting"
	MethodSessionEnding   = "session.SessionEnding"
)

// DefaultPeerConnectTimeout is spec.md §5's "Peer connect: 10s" default.
const DefaultPeerConnectTimeout = 10 * time.Second

type sessionStartingParams struct {
	Parameters      frame.SystemParameters `json:"parameters"`
	InitiatorAddr   string                 `json:"initiator_address"`
}

// StageConnector is implemented by any pipeline stage that needs its own
// RPC link to the peer established once the session starts (spec.md §4.1:
// "each side then calls connect(peer_channel) on every stage that
// implements the remote-comms capability").
type StageConnector interface {
	Connect(peer *rpc.Endpoint)
	Disconnect()
}

// Controller drives one session's state machine and coordinates the
// two-way connector, key-agreement bootstrap, and pipeline stage handles.
type Controller struct {
	myAddress string
	conn      *connector.Connector
	bootstrap *keyagree.Bootstrap

	mu           sync.RWMutex
	state        State
	params       frame.SystemParameters
	stages       []StageConnector
	sharedSecret keyagree.SharedSecret

	// onSessionStarting/onSessionEnding let the owner react to a
	// peer-initiated lifecycle event (e.g. begin local emission once both
	// sides have confirmed SessionStarted).
	onSessionStarting func(params frame.SystemParameters)
	onSessionEnding   func()
}

// New constructs a Controller in state Idle, owning its own key-agreement
// bootstrap (spec.md §4.3) so every session derives a fresh shared secret.
func New(myAddress string, conn *connector.Connector) *Controller {
	c := &Controller{myAddress: myAddress, conn: conn, state: Idle, bootstrap: keyagree.New()}
	c.bootstrap.OnSecret(func(secret keyagree.SharedSecret) {
		c.mu.Lock()
		c.sharedSecret = secret
		c.mu.Unlock()
	})
	return c
}

// SharedSecret returns the secret derived by this session's key-agreement
// handshake, if the handshake has completed yet.
func (c *Controller) SharedSecret() (keyagree.SharedSecret, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sharedSecret, len(c.sharedSecret) > 0
}

// RegisterOn wires the session lifecycle RPC handlers onto ep, and also
// registers the underlying connector's ConnectToMe handler (the connector
// has no independent listener of its own — spec.md §4.2 is reached through
// whichever endpoint Accept was called for) and the key-agreement
// handshake's responder handler.
func (c *Controller) RegisterOn(ep *rpc.Endpoint) {
	c.conn.Accept(ep)
	c.bootstrap.RegisterOn(ep)
	ep.Handle(MethodSessionStarting, c.handleSessionStarting)
	ep.Handle(MethodSessionEnding, c.handleSessionEnding)
}

// OnSessionStarting sets the callback invoked when the peer sends
// SessionStarting (a symmetric transition to SessionStarted on this side).
func (c *Controller) OnSessionStarting(f func(params frame.SystemParameters)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSessionStarting = f
}

// OnSessionEnding sets the callback invoked when the peer sends SessionEnding.
func (c *Controller) OnSessionEnding(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSessionEnding = f
}

// AddStage registers a pipeline stage to be connected/disconnected as the
// session starts and ends, in registration order for Connect and reverse
// order for Disconnect (spec.md §4.1: "disconnect on every stage in
// reverse pipeline order").
func (c *Controller) AddStage(stage StageConnector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, stage)
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) transition(from []State, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := false
	for _, f := range from {
		if c.state == f {
			ok = true
			break
		}
	}
	if !ok {
		return qkderr.New(qkderr.SessionFaulted, "session.controller", 0,
			fmt.Errorf("invalid transition to %s from state %s", to, c.state))
	}
	c.state = to
	return nil
}

// StartListening transitions Idle → Listening. The caller is responsible
// for actually binding the RPC server; this call only updates state, since
// the listener's lifetime is owned by whatever wraps internal/rpctest or a
// real net/http server in production.
func (c *Controller) StartListening() error {
	return c.transition([]State{Idle}, Listening)
}

// Connect transitions Listening → Connected: dials the peer via the
// two-way connector and waits for the reverse channel.
func (c *Controller) Connect(ctx context.Context, peerAddr string, timeout time.Duration) (*rpc.Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultPeerConnectTimeout
	}
	if err := c.transition([]State{Listening}, Connected); err != nil {
		return nil, err
	}
	reverse, err := c.conn.Connect(ctx, peerAddr, timeout)
	if err != nil {
		c.fault()
		return nil, err
	}
	return reverse, nil
}

// StartSession transitions Connected → SessionStarted: sends
// SessionStarting to the peer, then connects every registered stage to the
// peer channel. params.TransmitterFirst governs whether this call or the
// peer's local emission start happens first — that decision belongs to
// the caller (it owns the emitter), this method only handles the
// notify-then-wire-stages sequencing common to both orderings.
func (c *Controller) StartSession(ctx context.Context, params frame.SystemParameters) error {
	if err := c.transition([]State{Connected}, SessionStarted); err != nil {
		return err
	}

	peer := c.conn.GetClient()
	if peer == nil {
		c.fault()
		return qkderr.New(qkderr.SessionFaulted, "session.controller", 0, fmt.Errorf("no reverse channel available"))
	}

	// Run the key-agreement handshake before notifying the peer the session
	// is starting: Exchange blocks until the responder has derived and
	// stored its own secret, so by the time any stage's Connect(peer) runs
	// below, both sides already hold the shared secret (spec.md §4.3 must
	// complete before §4.7's privacy amplification can proceed).
	if _, _, err := c.bootstrap.Exchange(ctx, peer, ""); err != nil {
		c.fault()
		return err
	}

	_, err := peer.Call(ctx, MethodSessionStarting, sessionStartingParams{
		Parameters:    params,
		InitiatorAddr: c.myAddress,
	}, nil)
	if err != nil {
		c.fault()
		return qkderr.New(qkderr.PeerUnreachable, "session.controller", 0, err)
	}

	c.mu.Lock()
	c.params = params
	stages := append([]StageConnector(nil), c.stages...)
	c.mu.Unlock()

	for _, stage := range stages {
		stage.Connect(peer)
	}
	return nil
}

// EndSession transitions SessionStarted → Ending → Connected: notifies the
// peer, disconnects every stage in reverse order, and returns to Connected
// so the same link can be reused for a future session.
func (c *Controller) EndSession(ctx context.Context) error {
	if err := c.transition([]State{SessionStarted}, Ending); err != nil {
		return err
	}

	if peer := c.conn.GetClient(); peer != nil {
		if _, err := peer.Call(ctx, MethodSessionEnding, struct{}{}, nil); err != nil {
			// logged and ignored: teardown must proceed regardless of
			// whether the peer is still reachable to be told about it.
			_ = err
		}
	}

	c.mu.Lock()
	stages := append([]StageConnector(nil), c.stages...)
	c.mu.Unlock()

	for i := len(stages) - 1; i >= 0; i-- {
		stages[i].Disconnect()
	}

	return c.transition([]State{Ending}, Connected)
}

// fault forces a transition to Faulted from any state.
func (c *Controller) fault() {
	c.mu.Lock()
	c.state = Faulted
	c.mu.Unlock()
}

// Reset transitions Faulted → Idle, the only legal exit from Faulted
// (spec.md §4.1), tearing down the connector so a fresh Connect can be
// attempted.
func (c *Controller) Reset() error {
	if err := c.transition([]State{Faulted}, Idle); err != nil {
		return err
	}
	c.conn.Disconnect()
	return nil
}

func (c *Controller) handleSessionStarting(_ context.Context, _ map[string]string, raw json.RawMessage) (any, error) {
	var p sessionStartingParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "session.controller", 0, err)
	}
	if err := c.transition([]State{Connected}, SessionStarted); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.params = p.Parameters
	stages := append([]StageConnector(nil), c.stages...)
	cb := c.onSessionStarting
	c.mu.Unlock()

	peer := c.conn.GetClient()
	if peer != nil {
		for _, stage := range stages {
			stage.Connect(peer)
		}
	}
	if cb != nil {
		cb(p.Parameters)
	}
	return struct{}{}, nil
}

func (c *Controller) handleSessionEnding(_ context.Context, _ map[string]string, _ json.RawMessage) (any, error) {
	if err := c.transition([]State{SessionStarted}, Ending); err != nil {
		return nil, err
	}

	c.mu.Lock()
	stages := append([]StageConnector(nil), c.stages...)
	cb := c.onSessionEnding
	c.mu.Unlock()

	for i := len(stages) - 1; i >= 0; i-- {
		stages[i].Disconnect()
	}
	if cb != nil {
		cb()
	}

	if err := c.transition([]State{Ending}, Connected); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
