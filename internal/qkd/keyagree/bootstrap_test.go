package keyagree

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jaskrrish/qkd-node/internal/rpc"
	"github.com/jaskrrish/qkd-node/internal/rpctest"
)

func TestExchangeProducesMatchingSecret(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder := New()
	initiator := New()

	node := rpctest.NewNode(ctx, func(ep *rpc.Endpoint) { responder.RegisterOn(ep) })
	defer node.Close()

	ep, err := rpctest.Dial(ctx, node.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	callCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()

	secret, token, err := initiator.Exchange(callCtx, ep, "")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if token == "" {
		t.Fatal("expected a fresh token to be allocated")
	}
	if len(secret) == 0 {
		t.Fatal("expected a non-empty shared secret")
	}

	responderSecret, ok := responder.Secret(token)
	if !ok {
		t.Fatal("responder did not cache a secret under the returned token")
	}
	if !bytes.Equal(secret, responderSecret) {
		t.Fatal("initiator and responder derived different shared secrets")
	}
}
