// Package keyagree implements the key-agreement bootstrap: an ephemeral
// ECDH exchange producing a per-session shared secret, stored under a
// session token.
//
// Grounded on spec.md §4.3. The teacher has no key-agreement primitive
// (BB84Protocol derives its key straight from sifting); ericlagergren-dr's
// dr.go shows only an abstract Ratchet.DH capability with no concrete
// curve implementation to ground against, so the concrete primitive uses
// the standard library's crypto/ecdh (see DESIGN.md for the justification).
// The session-token allocation reuses the teacher's github.com/google/uuid
// dependency, also used for RPC call IDs in internal/rpc/endpoint.go.
package keyagree

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jaskrrish/qkd-node/internal/qkderr"
	"github.com/jaskrrish/qkd-node/internal/rpc"
)

// Method is the RPC method name this component registers.
const Method = "keyagree.SharePublicKey"

// AlgorithmID identifies the agreed curve/algorithm. Both sides must match.
const AlgorithmID = "ecdh-p256"

// SharedSecret is the byte sequence derived by the ECDH agreement, used as
// authentication seed material by later stages.
type SharedSecret []byte

type sharePublicKeyParams struct {
	AlgorithmID     string `json:"algorithm_id"`
	PublicKeyBytes  []byte `json:"public_key_bytes"`
}

type sharePublicKeyResult struct {
	AlgorithmID    string `json:"algorithm_id"`
	PublicKeyBytes []byte `json:"public_key_bytes"`
	Token          string `json:"token"`
}

// Bootstrap runs the key-agreement handshake and caches resulting shared
// secrets by session token.
type Bootstrap struct {
	curve ecdh.Curve

	mu       sync.Mutex
	secrets  map[string]SharedSecret
	onSecret func(SharedSecret)
}

// New constructs a Bootstrap using P-256.
func New() *Bootstrap {
	return &Bootstrap{
		curve:   ecdh.P256(),
		secrets: make(map[string]SharedSecret),
	}
}

// OnSecret registers a callback invoked every time this Bootstrap derives a
// shared secret, on both the initiator (Exchange) and responder
// (handleSharePublicKey) side. Used by session.Controller to thread the
// freshly agreed secret into the privacy-amplification stage without the
// stage needing to know a session token.
func (b *Bootstrap) OnSecret(f func(SharedSecret)) {
	b.mu.Lock()
	b.onSecret = f
	b.mu.Unlock()
}

func (b *Bootstrap) store(token string, secret SharedSecret) {
	b.mu.Lock()
	b.secrets[token] = secret
	cb := b.onSecret
	b.mu.Unlock()
	if cb != nil {
		cb(secret)
	}
}

// RegisterOn wires the SharePublicKey handler onto an inbound endpoint, for
// the responder side of the handshake.
func (b *Bootstrap) RegisterOn(ep *rpc.Endpoint) {
	ep.Handle(Method, b.handleSharePublicKey)
}

// handleSharePublicKey answers the peer's public key with ours, allocating
// a fresh token if the caller did not supply one.
func (b *Bootstrap) handleSharePublicKey(_ context.Context, meta map[string]string, params json.RawMessage) (any, error) {
	var p sharePublicKeyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0, err)
	}
	if p.AlgorithmID != AlgorithmID {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0,
			fmt.Errorf("algorithm mismatch: got %q, want %q", p.AlgorithmID, AlgorithmID))
	}

	token := meta["idtoken"]
	if token == "" {
		token = uuid.NewString()
	}

	peerPub, err := b.curve.NewPublicKey(p.PublicKeyBytes)
	if err != nil {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0, fmt.Errorf("invalid public key: %w", err))
	}

	priv, err := b.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, qkderr.New(qkderr.Internal, "keyagree", 0, err)
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0, err)
	}
	b.store(token, secret)

	return sharePublicKeyResult{
		AlgorithmID:    AlgorithmID,
		PublicKeyBytes: priv.PublicKey().Bytes(),
		Token:          token,
	}, nil
}

// Exchange runs the initiator side of the handshake over ep: generate an
// ephemeral keypair, send it, derive the shared secret from the peer's
// response, and return it along with the session token.
func (b *Bootstrap) Exchange(ctx context.Context, ep *rpc.Endpoint, token string) (SharedSecret, string, error) {
	priv, err := b.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", qkderr.New(qkderr.Internal, "keyagree", 0, err)
	}

	meta := map[string]string{}
	if token != "" {
		meta["idtoken"] = token
	}

	raw, err := ep.Call(ctx, Method, sharePublicKeyParams{
		AlgorithmID:    AlgorithmID,
		PublicKeyBytes: priv.PublicKey().Bytes(),
	}, meta)
	if err != nil {
		return nil, "", qkderr.New(qkderr.PeerUnreachable, "keyagree", 0, err)
	}

	var result sharePublicKeyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, "", qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0, err)
	}
	if result.AlgorithmID != AlgorithmID {
		return nil, "", qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0,
			fmt.Errorf("algorithm mismatch: got %q, want %q", result.AlgorithmID, AlgorithmID))
	}

	peerPub, err := b.curve.NewPublicKey(result.PublicKeyBytes)
	if err != nil {
		return nil, "", qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0, err)
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, "", qkderr.New(qkderr.ProtocolMismatch, "keyagree", 0, err)
	}
	b.store(result.Token, secret)

	return secret, result.Token, nil
}

// Secret returns the shared secret previously derived for token, if any.
func (b *Bootstrap) Secret(token string) (SharedSecret, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.secrets[token]
	return s, ok
}
