// Package ecc implements the Error Correction stage from spec.md §4.6: an
// interactive Cascade reconciliation that produces identical clean blocks
// on both sides with high probability, with a leakage estimate for how
// many bits were revealed to a passive eavesdropper during the exchange.
//
// Adapted from the teacher's internal/qkd/crypto/error_correction.go
// CascadeCorrector, which ran entirely in one process with direct access
// to both sides' bits (aliceKey, bobKey []quantum.Bit). Reconciliation must
// be genuinely interactive over the network — a side cannot see the
// other's raw bits, only disclosed parities — so the reference side's
// bits are never shipped; instead it serves parity-of-range queries over
// RPC, and the corrector side runs the teacher's exact binary-search
// structure against those RPC responses instead of local slice access.
package ecc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jaskrrish/qkd-node/internal/qkd/quantum"
	"github.com/jaskrrish/qkd-node/internal/qkderr"
	"github.com/jaskrrish/qkd-node/internal/rpc"
	"github.com/jaskrrish/qkd-node/internal/statshub"
)

// Method is the RPC method the reference side registers for parity queries.
const Method = "ecc.Parity"

// MethodCommitLeakage is the RPC method the reference side registers for the
// corrector's end-of-reconciliation leakage report, the missing half of
// spec.md §4.6's "(sift_sequence_number, clean_block, leaked_bit_count) on
// both sides" contract: the reference side's own bits were never in
// question (it is the ground truth the corrector side converges to), so
// all it needs from the peer is the final leaked-bit count to cut an
// identically sized key on its own side of privacy amplification.
const MethodCommitLeakage = "ecc.CommitLeakage"

// DefaultPasses is the teacher's CascadeCorrector pass count.
const DefaultPasses = 4

// MaxTolerableErrorRate is the QBER above which reconciliation is refused
// outright rather than attempted (spec.md §4.6's "above threshold, the
// stage fails the frame"); 11% is the standard BB84 security-proof cutoff.
const MaxTolerableErrorRate = 0.11

// CleanBlock is the output of a successful reconciliation round.
type CleanBlock struct {
	Sequence  uint64
	Bits      quantum.JaggedBitBlock
	LeakedBits int
}

type parityParams struct {
	Sequence uint64 `json:"sequence"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

type parityResult struct {
	Parity int `json:"parity"`
}

type commitLeakageParams struct {
	Sequence   uint64 `json:"sequence"`
	LeakedBits int    `json:"leaked_bits"`
}

// ReferenceSide holds the un-corrected block for a sequence number and
// answers parity-of-range queries from the peer's CorrectorSide. It never
// discloses raw bits, only XOR parities of requested ranges. Once the
// corrector reports how many bits it disclosed, the reference side emits
// its own CleanBlock on Output — the bits it already held, since it is by
// definition the side the corrector converges to, tagged with the reported
// leakage so both sides' Amplifier can compute an identical secure length.
type ReferenceSide struct {
	// Output receives each committed CleanBlock, mirroring
	// sift.RxSifter.Output's channel-based delivery; buffered generously
	// since the RPC handler must not block on a slow consumer.
	Output chan *CleanBlock

	mu     sync.Mutex
	blocks map[uint64][]quantum.Bit
}

// NewReferenceSide constructs an empty ReferenceSide.
func NewReferenceSide() *ReferenceSide {
	return &ReferenceSide{
		blocks: make(map[uint64][]quantum.Bit),
		Output: make(chan *CleanBlock, 64),
	}
}

// Push makes a sift-sequence's bits available for parity queries.
func (r *ReferenceSide) Push(sequence uint64, block quantum.JaggedBitBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[sequence] = block.Bits()
}

// Release drops a sequence's bits once the peer has confirmed reconciliation
// is complete for it, since the reference side otherwise has no signal that
// a sequence is done.
func (r *ReferenceSide) Release(sequence uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocks, sequence)
}

// RegisterOn wires the parity-query and leakage-commit handlers onto an
// inbound endpoint.
func (r *ReferenceSide) RegisterOn(ep *rpc.Endpoint) {
	ep.Handle(Method, r.handleParity)
	ep.Handle(MethodCommitLeakage, r.handleCommitLeakage)
}

func (r *ReferenceSide) handleParity(_ context.Context, _ map[string]string, raw json.RawMessage) (any, error) {
	var p parityParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "ecc.reference", 0, err)
	}

	r.mu.Lock()
	bits, ok := r.blocks[p.Sequence]
	r.mu.Unlock()
	if !ok {
		return nil, qkderr.New(qkderr.FrameAbandoned, "ecc.reference", p.Sequence,
			fmt.Errorf("no reference block for sequence %d", p.Sequence))
	}
	if p.Start < 0 || p.End > len(bits) || p.Start > p.End {
		return nil, qkderr.New(qkderr.LengthMismatch, "ecc.reference", p.Sequence,
			fmt.Errorf("range [%d,%d) out of bounds for block of length %d", p.Start, p.End, len(bits)))
	}

	parity := quantum.Zero
	for _, b := range bits[p.Start:p.End] {
		parity ^= b
	}
	return parityResult{Parity: int(parity)}, nil
}

func (r *ReferenceSide) handleCommitLeakage(_ context.Context, _ map[string]string, raw json.RawMessage) (any, error) {
	var p commitLeakageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qkderr.New(qkderr.ProtocolMismatch, "ecc.reference", 0, err)
	}

	r.mu.Lock()
	bits, ok := r.blocks[p.Sequence]
	if ok {
		delete(r.blocks, p.Sequence)
	}
	r.mu.Unlock()
	if !ok {
		return nil, qkderr.New(qkderr.FrameAbandoned, "ecc.reference", p.Sequence,
			fmt.Errorf("no reference block for sequence %d", p.Sequence))
	}

	clean := &CleanBlock{Sequence: p.Sequence, Bits: quantum.BitsToJaggedBlock(bits), LeakedBits: p.LeakedBits}
	select {
	case r.Output <- clean:
	default:
		// consumer is behind; drop rather than block the RPC handler,
		// matching RxSifter's at-most-once delivery on a slow subscriber.
	}

	return struct{}{}, nil
}

// CorrectorSide runs Cascade reconciliation against a peer ReferenceSide,
// correcting its own (noisy) side of the sifted bit block. It implements
// session.StageConnector: the peer link is established once the session
// starts, not at construction, so the stage can be registered with the
// session controller before a peer channel exists.
type CorrectorSide struct {
	passes int
	hub    statshub.Hub

	mu          sync.Mutex
	peer        *rpc.Endpoint
	expectedSeq uint64
}

// NewCorrectorSide constructs a CorrectorSide, starting at sift-sequence 1.
// A nil hub records nothing. Call Connect before Reconcile.
func NewCorrectorSide(hub statshub.Hub) *CorrectorSide {
	if hub == nil {
		hub = statshub.Noop
	}
	return &CorrectorSide{passes: DefaultPasses, hub: hub, expectedSeq: 1}
}

// Connect satisfies session.StageConnector.
func (c *CorrectorSide) Connect(peer *rpc.Endpoint) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
}

// Disconnect satisfies session.StageConnector.
func (c *CorrectorSide) Disconnect() {
	c.mu.Lock()
	c.peer = nil
	c.mu.Unlock()
}

func (c *CorrectorSide) currentPeer() *rpc.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *CorrectorSide) callParity(ctx context.Context, sequence uint64, start, end int) (quantum.Bit, error) {
	peer := c.currentPeer()
	if peer == nil {
		return 0, qkderr.New(qkderr.PeerUnreachable, "ecc.corrector", sequence, fmt.Errorf("not connected to peer"))
	}
	raw, err := peer.Call(ctx, Method, parityParams{Sequence: sequence, Start: start, End: end}, nil)
	c.hub.RPCCall(Method, err)
	if err != nil {
		return 0, qkderr.New(qkderr.PeerUnreachable, "ecc.corrector", sequence, err)
	}
	var result parityResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, qkderr.New(qkderr.ProtocolMismatch, "ecc.corrector", sequence, err)
	}
	return quantum.Bit(result.Parity), nil
}

// callCommitLeakage reports the total number of bits disclosed during
// reconciliation back to the reference side, so it can emit its own
// CleanBlock with an identical leaked-bit count for privacy amplification.
func (c *CorrectorSide) callCommitLeakage(ctx context.Context, sequence uint64, leaked int) error {
	peer := c.currentPeer()
	if peer == nil {
		return qkderr.New(qkderr.PeerUnreachable, "ecc.corrector", sequence, fmt.Errorf("not connected to peer"))
	}
	_, err := peer.Call(ctx, MethodCommitLeakage, commitLeakageParams{Sequence: sequence, LeakedBits: leaked}, nil)
	c.hub.RPCCall(MethodCommitLeakage, err)
	if err != nil {
		return qkderr.New(qkderr.PeerUnreachable, "ecc.corrector", sequence, err)
	}
	return nil
}

// initialBlockSize mirrors the teacher's NewCascadeCorrector heuristic:
// smaller expected error rate implies a larger first-pass block.
func initialBlockSize(errorRate float64) int {
	if errorRate <= 0 {
		return 1
	}
	size := int(0.73 / errorRate)
	if size < 1 {
		size = 1
	}
	return size
}

// Reconcile runs interactive Cascade reconciliation for one sift-sequence.
// Frames must be processed in strictly ascending sequence order; out-of-
// order calls are rejected so leakage accounting stays monotonic.
func (c *CorrectorSide) Reconcile(ctx context.Context, sequence uint64, noisy quantum.JaggedBitBlock, estimatedErrorRate float64) (*CleanBlock, error) {
	c.mu.Lock()
	if sequence != c.expectedSeq {
		c.mu.Unlock()
		return nil, qkderr.New(qkderr.Internal, "ecc.corrector", sequence,
			fmt.Errorf("out-of-order reconciliation: expected sequence %d, got %d", c.expectedSeq, sequence))
	}
	c.mu.Unlock()

	if estimatedErrorRate > MaxTolerableErrorRate {
		c.hub.FrameDropped("ecc")
		return nil, qkderr.New(qkderr.ReconciliationFailed, "ecc.corrector", sequence,
			fmt.Errorf("estimated error rate %.4f exceeds tolerable threshold %.4f", estimatedErrorRate, MaxTolerableErrorRate))
	}

	corrected := noisy.Bits()
	keyLength := len(corrected)
	if keyLength == 0 {
		c.mu.Lock()
		c.expectedSeq++
		c.mu.Unlock()
		if err := c.callCommitLeakage(ctx, sequence, 0); err != nil {
			return nil, err
		}
		return &CleanBlock{Sequence: sequence, Bits: quantum.JaggedBitBlock{}, LeakedBits: 0}, nil
	}

	blockSize := initialBlockSize(estimatedErrorRate)
	totalDisclosed := 0

	for pass := 0; pass < c.passes; pass++ {
		numBlocks := (keyLength + blockSize - 1) / blockSize
		for i := 0; i < numBlocks; i++ {
			start := i * blockSize
			end := start + blockSize
			if end > keyLength {
				end = keyLength
			}

			localParity := quantum.Zero
			for _, b := range corrected[start:end] {
				localParity ^= b
			}
			refParity, err := c.callParity(ctx, sequence, start, end)
			if err != nil {
				return nil, err
			}
			totalDisclosed++

			if localParity != refParity {
				errIdx, disclosed, err := c.binarySearch(ctx, sequence, corrected, start, end)
				if err != nil {
					return nil, err
				}
				totalDisclosed += disclosed
				if errIdx >= 0 {
					corrected[errIdx] = 1 - corrected[errIdx]
				}
			}
		}
		blockSize *= 2
	}

	c.mu.Lock()
	c.expectedSeq++
	c.mu.Unlock()

	if err := c.callCommitLeakage(ctx, sequence, totalDisclosed); err != nil {
		return nil, err
	}

	c.hub.LeakedBits(totalDisclosed)
	if keyLength > 0 {
		c.hub.QBER(estimatedErrorRate)
	}

	return &CleanBlock{
		Sequence:   sequence,
		Bits:       quantum.BitsToJaggedBlock(corrected),
		LeakedBits: totalDisclosed,
	}, nil
}

// binarySearch mirrors the teacher's CascadeCorrector.binarySearch exactly,
// with each local/reference parity comparison replaced by an RPC round
// trip to the reference side instead of a local slice read.
func (c *CorrectorSide) binarySearch(ctx context.Context, sequence uint64, corrected []quantum.Bit, start, end int) (int, int, error) {
	disclosed := 0
	for start < end-1 {
		mid := (start + end) / 2

		localParity := quantum.Zero
		for _, b := range corrected[start:mid] {
			localParity ^= b
		}
		refParity, err := c.callParity(ctx, sequence, start, mid)
		if err != nil {
			return 0, disclosed, err
		}
		disclosed++

		if localParity != refParity {
			end = mid
		} else {
			start = mid
		}
	}
	return start, disclosed, nil
}
