package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaskrrish/qkd-node/internal/qkd/connector"
	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
	"github.com/jaskrrish/qkd-node/internal/rpc"
	"github.com/jaskrrish/qkd-node/internal/rpctest"
)

type fakeStage struct {
	connected    int32
	disconnected int32
}

func (s *fakeStage) Connect(*rpc.Endpoint) { atomic.AddInt32(&s.connected, 1) }
func (s *fakeStage) Disconnect()           { atomic.AddInt32(&s.disconnected, 1) }

func TestSessionFullLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ctrlA, ctrlB *Controller

	nodeA := rpctest.NewNode(ctx, func(ep *rpc.Endpoint) { ctrlA.RegisterOn(ep) })
	defer nodeA.Close()
	nodeB := rpctest.NewNode(ctx, func(ep *rpc.Endpoint) { ctrlB.RegisterOn(ep) })
	defer nodeB.Close()

	connA := connector.New(nodeA.Addr(), rpctest.Dial, nil)
	connB := connector.New(nodeB.Addr(), rpctest.Dial, nil)
	ctrlA = New(nodeA.Addr(), connA)
	ctrlB = New(nodeB.Addr(), connB)

	stageA := &fakeStage{}
	stageB := &fakeStage{}
	ctrlA.AddStage(stageA)
	ctrlB.AddStage(stageB)

	peerStarted := make(chan frame.SystemParameters, 1)
	ctrlB.OnSessionStarting(func(p frame.SystemParameters) { peerStarted <- p })

	if err := ctrlA.StartListening(); err != nil {
		t.Fatalf("StartListening A: %v", err)
	}
	if err := ctrlB.StartListening(); err != nil {
		t.Fatalf("StartListening B: %v", err)
	}

	if _, err := ctrlA.Connect(ctx, nodeB.Addr(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ctrlA.State() != Connected {
		t.Fatalf("expected Connected, got %s", ctrlA.State())
	}

	params := frame.DefaultSystemParameters()
	params.TransmitterFirst = true

	if err := ctrlA.StartSession(ctx, params); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if ctrlA.State() != SessionStarted {
		t.Fatalf("expected SessionStarted, got %s", ctrlA.State())
	}

	select {
	case got := <-peerStarted:
		if got.FrameSlotCount != params.FrameSlotCount {
			t.Fatalf("peer received different parameters: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("peer never received SessionStarting")
	}
	if ctrlB.State() != SessionStarted {
		t.Fatalf("expected peer in SessionStarted, got %s", ctrlB.State())
	}
	if atomic.LoadInt32(&stageA.connected) != 1 {
		t.Fatal("expected stage A to be connected")
	}
	if atomic.LoadInt32(&stageB.connected) != 1 {
		t.Fatal("expected stage B to be connected")
	}

	if err := ctrlA.EndSession(ctx); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ctrlA.State() != Connected {
		t.Fatalf("expected back to Connected after EndSession, got %s", ctrlA.State())
	}
	if atomic.LoadInt32(&stageA.disconnected) != 1 {
		t.Fatal("expected stage A to be disconnected")
	}

	// give the peer's SessionEnding handler a moment to run
	deadline := time.Now().Add(time.Second)
	for ctrlB.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrlB.State() != Connected {
		t.Fatalf("expected peer back to Connected, got %s", ctrlB.State())
	}
	if atomic.LoadInt32(&stageB.disconnected) != 1 {
		t.Fatal("expected stage B to be disconnected")
	}
}

func TestSessionInvalidTransitionRejected(t *testing.T) {
	conn := connector.New("ws://unused", rpctest.Dial, nil)
	c := New("ws://unused", conn)
	if err := c.StartSession(context.Background(), frame.DefaultSystemParameters()); err == nil {
		t.Fatal("expected StartSession to fail from Idle")
	}
}

func TestSessionFaultThenReset(t *testing.T) {
	conn := connector.New("ws://unused", rpctest.Dial, nil)
	c := New("ws://unused", conn)
	if err := c.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.Connect(ctx, "ws://127.0.0.1:1", 50*time.Millisecond); err == nil {
		t.Fatal("expected Connect to an unreachable peer to fail")
	}
	if c.State() != Faulted {
		t.Fatalf("expected Faulted after failed connect, got %s", c.State())
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("expected Idle after Reset, got %s", c.State())
	}
}
