// Package pipeline assembles the per-side stage chains from spec.md §2's
// data-flow diagram into the two concrete orchestration units a running
// node needs: TransmitterSide and DetectorSide. Each implements
// session.StageConnector itself, fanning Connect/Disconnect out to its
// sub-stages and starting/stopping the goroutines that pipe one stage's
// output into the next stage's input — the wiring a session.Controller
// alone has no opinion about, since it only knows how to reach a peer, not
// what to do with the reached link.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/jaskrrish/qkd-node/internal/qkd/align"
	"github.com/jaskrrish/qkd-node/internal/qkd/ecc"
	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
	"github.com/jaskrrish/qkd-node/internal/qkd/keyagree"
	"github.com/jaskrrish/qkd-node/internal/qkd/keypkg"
	"github.com/jaskrrish/qkd-node/internal/qkd/privacyamp"
	"github.com/jaskrrish/qkd-node/internal/qkd/rng"
	"github.com/jaskrrish/qkd-node/internal/qkd/sift"
	"github.com/jaskrrish/qkd-node/internal/rpc"
	"github.com/jaskrrish/qkd-node/internal/statshub"
)

// estimatedQBER is a fixed a-priori error-rate estimate fed to Cascade's
// block-size choice (spec.md §4.6 leaves the estimation method an
// implementation choice; a conservative fixed estimate keeps the first
// pass's block size sane regardless of the channel's actual noise).
const estimatedQBER = 0.05

// TransmitterSide wires the transmitter-side chain: Emitter → TransmitterStore
// → TxSifter → ReferenceSide → Amplifier → Packager. It implements
// session.StageConnector so a session.Controller can AddStage(it) directly.
type TransmitterSide struct {
	Store     *align.TransmitterStore
	Emitter   *align.Emitter
	Sifter    *sift.TxSifter
	Reference *ecc.ReferenceSide
	Amplifier *privacyamp.Amplifier
	Packager  *keypkg.Packager

	securityMarginBits int
	emitInterval       time.Duration
	secretFn           func() (keyagree.SharedSecret, bool)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransmitterSide constructs every transmitter-side stage. secretFn is
// called at Connect time to fetch the session's shared secret accessor
// (typically session.Controller.SharedSecret), since key agreement only
// completes once the session starts.
func NewTransmitterSide(params frame.SystemParameters, keySizeBytes, securityMarginBits, minFramesBeforeVerify int, emitInterval time.Duration, source rng.Source, secretAccessor func() (keyagree.SharedSecret, bool), hub statshub.Hub) (*TransmitterSide, error) {
	if hub == nil {
		hub = statshub.Noop
	}
	store := align.NewTransmitterStore(source)
	packager, err := keypkg.NewPackager(keySizeBytes, hub)
	if err != nil {
		return nil, err
	}
	return &TransmitterSide{
		Store:              store,
		Emitter:            align.NewEmitter(params, source, store, hub),
		Sifter:             sift.NewTxSifter(minFramesBeforeVerify, hub),
		Reference:          ecc.NewReferenceSide(),
		Amplifier:          privacyamp.NewAmplifier(nil),
		Packager:           packager,
		securityMarginBits: securityMarginBits,
		emitInterval:       emitInterval,
		secretFn:           secretAccessor,
	}, nil
}

// RegisterOn wires the transmitter-side RPC servers (TransmitterStore's two
// methods, ReferenceSide's Parity/CommitLeakage) onto an inbound endpoint.
func (t *TransmitterSide) RegisterOn(ep *rpc.Endpoint) {
	t.Store.RegisterOn(ep)
	t.Reference.RegisterOn(ep)
}

// Connect satisfies session.StageConnector: installs the shared secret,
// connects the one sub-stage that needs a peer link (TxSifter calls
// VerifyBases on the detector side), and starts the internal pipes chaining
// every stage's output into the next.
func (t *TransmitterSide) Connect(peer *rpc.Endpoint) {
	if secret, ok := t.secretFn(); ok {
		t.Amplifier.SetSecret([]byte(secret))
	}
	t.Sifter.Connect(peer)

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	siftOut := make(chan *sift.SiftedBlock, 64)

	t.wg.Add(4)
	go func() { defer t.wg.Done(); _ = t.Emitter.Run(ctx, t.emitInterval) }()
	go func() { defer t.wg.Done(); t.pumpDiscards(ctx) }()
	go func() { defer t.wg.Done(); _ = t.Sifter.Run(ctx, siftOut) }()
	go func() { defer t.wg.Done(); t.pumpSifted(ctx, siftOut) }()

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.pumpClean(ctx) }()
}

// Disconnect satisfies session.StageConnector: stops every internal pipe
// and clears the sifter's peer link.
func (t *TransmitterSide) Disconnect() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.Sifter.Disconnect()
}

// pumpDiscards feeds TransmitterStore's kept qubits (once the remote
// DetectorGater has told the store which slots to keep) into the local
// TxSifter.
func (t *TransmitterSide) pumpDiscards(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case discarded, ok := <-t.Store.Output:
			if !ok {
				return
			}
			t.Sifter.Push(discarded.FrameID, discarded.Qubits)
		}
	}
}

// pumpSifted feeds each sifted block into the ReferenceSide's parity table,
// answering the peer's CorrectorSide queries.
func (t *TransmitterSide) pumpSifted(ctx context.Context, siftOut <-chan *sift.SiftedBlock) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-siftOut:
			if !ok {
				return
			}
			t.Reference.Push(block.Sequence, block.Bits)
		}
	}
}

// pumpClean drains the ReferenceSide's committed clean blocks (emitted once
// the detector's CorrectorSide reports its leaked-bit count) through
// privacy amplification and into the key packager.
func (t *TransmitterSide) pumpClean(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case clean, ok := <-t.Reference.Output:
			if !ok {
				return
			}
			amplified, err := t.Amplifier.Amplify(clean.Sequence, clean.Bits, clean.LeakedBits, t.securityMarginBits)
			if err != nil || amplified == nil {
				continue
			}
			t.Packager.Push(amplified)
		}
	}
}
