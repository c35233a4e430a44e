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
	"github.com/jaskrrish/qkd-node/internal/qkd/sift"
	"github.com/jaskrrish/qkd-node/internal/rpc"
	"github.com/jaskrrish/qkd-node/internal/statshub"
)

// defaultMarkerCount picks the per-frame alignment marker count as a
// quarter of the frame's slots (spec.md §8 S1 uses 4 markers out of 16
// slots), with a floor of 1 so small test frames still lock.
func defaultMarkerCount(slots int) int {
	n := slots / 4
	if n < 1 {
		n = 1
	}
	return n
}

// DetectorSide wires the detector-side chain: DetectionSource → DetectorGater
// → RxSifter → CorrectorSide → Amplifier → Packager. It implements
// session.StageConnector so a session.Controller can AddStage(it) directly.
type DetectorSide struct {
	Source    align.DetectionSource
	Gater     *align.DetectorGater
	Sifter    *sift.RxSifter
	Corrector *ecc.CorrectorSide
	Amplifier *privacyamp.Amplifier
	Packager  *keypkg.Packager

	markerCount        int
	securityMarginBits int
	secretFn           func() (keyagree.SharedSecret, bool)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDetectorSide constructs every detector-side stage. source supplies
// DetectionReports (align.LoopbackDetectionSource for the non-hardware demo;
// production code would supply a real device driver). secretAccessor mirrors
// TransmitterSide's.
func NewDetectorSide(params frame.SystemParameters, keySizeBytes, securityMarginBits int, waitForLocalFrame time.Duration, source align.DetectionSource, secretAccessor func() (keyagree.SharedSecret, bool), hub statshub.Hub) (*DetectorSide, error) {
	if hub == nil {
		hub = statshub.Noop
	}
	packager, err := keypkg.NewPackager(keySizeBytes, hub)
	if err != nil {
		return nil, err
	}
	return &DetectorSide{
		Source:             source,
		Gater:              align.NewDetectorGater(params, hub),
		Sifter:             sift.NewRxSifter(waitForLocalFrame, hub),
		Corrector:          ecc.NewCorrectorSide(hub),
		Amplifier:          privacyamp.NewAmplifier(nil),
		Packager:           packager,
		markerCount:        defaultMarkerCount(params.FrameSlotCount),
		securityMarginBits: securityMarginBits,
		secretFn:           secretAccessor,
	}, nil
}

// RegisterOn wires the detector-side RPC server (RxSifter's VerifyBases
// handler) onto an inbound endpoint.
func (d *DetectorSide) RegisterOn(ep *rpc.Endpoint) {
	d.Sifter.RegisterOn(ep)
}

// Connect satisfies session.StageConnector.
func (d *DetectorSide) Connect(peer *rpc.Endpoint) {
	if secret, ok := d.secretFn(); ok {
		d.Amplifier.SetSecret([]byte(secret))
	}
	d.Gater.Connect(peer)
	d.Corrector.Connect(peer)

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.pumpDetections(ctx) }()
	go func() { defer d.wg.Done(); d.pumpSifted(ctx) }()
}

// Disconnect satisfies session.StageConnector.
func (d *DetectorSide) Disconnect() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.Gater.Disconnect()
	d.Corrector.Disconnect()
}

// pumpDetections drives the detection source through alignment and into
// the local RxSifter buffer.
func (d *DetectorSide) pumpDetections(ctx context.Context) {
	for {
		report, err := d.Source.Next(ctx)
		if err != nil {
			return
		}
		aligned, err := d.Gater.Align(ctx, report, d.markerCount)
		if err != nil {
			continue
		}
		d.Sifter.Push(aligned.FrameID, aligned.Qubits)
	}
}

// pumpSifted drains each sifted block through Cascade reconciliation,
// privacy amplification, and into the key packager.
func (d *DetectorSide) pumpSifted(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-d.Sifter.Output:
			if !ok {
				return
			}
			clean, err := d.Corrector.Reconcile(ctx, block.Sequence, block.Bits, estimatedQBER)
			if err != nil {
				continue
			}
			amplified, err := d.Amplifier.Amplify(clean.Sequence, clean.Bits, clean.LeakedBits, d.securityMarginBits)
			if err != nil || amplified == nil {
				continue
			}
			d.Packager.Push(amplified)
		}
	}
}
