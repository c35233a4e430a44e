package align

import (
	"context"
	"testing"
	"time"

	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
	"github.com/jaskrrish/qkd-node/internal/qkd/quantum"
	"github.com/jaskrrish/qkd-node/internal/qkd/rng"
	"github.com/jaskrrish/qkd-node/internal/rpc"
	"github.com/jaskrrish/qkd-node/internal/rpctest"
)

func testParams() frame.SystemParameters {
	return frame.SystemParameters{
		FrameSlotCount:               16,
		SlotWidthPicoseconds:         100_000, // 100 ns
		PulseWidthPicoseconds:        10_000,  // 10 ns
		MaxDriftPicosecondsPerSecond: 20_000,
		AcceptanceRatio:              0.9,
	}
}

// TestAlignNoiselessRoundTrip mirrors spec.md §8 scenario S1: 16 qubits,
// detections land exactly on i*slot_width with zero drift, markers at
// slots {0,4,8,12} all match, so the gater should keep all 16 slots in
// order with a locked drift of (close to) zero.
func TestAlignNoiselessRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := testParams()
	emissions := make(quantum.QubitSequence, 16)
	for i := range emissions {
		emissions[i] = quantum.Qubit(i % 4)
	}

	store := NewTransmitterStore(rng.CryptoSource{})
	store.Put(&frame.EmitterReport{FrameID: 1, Emissions: emissions})

	node := rpctest.NewNode(ctx, func(ep *rpc.Endpoint) { store.RegisterOn(ep) })
	defer node.Close()

	peerEp, err := rpctest.Dial(ctx, node.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	gater := NewDetectorGater(params, nil)
	gater.Connect(peerEp)

	detections := make([]frame.Detection, 16)
	for i := range detections {
		detections[i] = frame.Detection{
			TimeOffset:    uint64(i) * params.SlotWidthPicoseconds,
			MeasuredQubit: emissions[i],
		}
	}
	report := &frame.DetectionReport{FrameID: 1, Detections: detections}

	callCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()

	aligned, err := gater.Align(callCtx, report, 4)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(aligned.Qubits) != 16 {
		t.Fatalf("expected 16 kept qubits, got %d", len(aligned.Qubits))
	}
	for i, q := range aligned.Qubits {
		if q != emissions[i] {
			t.Fatalf("slot %d: got qubit %v, want %v", i, q, emissions[i])
		}
	}
}

// TestAlignDropsCollidingSlot exercises Step C's first-wins collision rule:
// two detections map to the same slot, the later one must be dropped.
func TestAlignDropsCollidingSlot(t *testing.T) {
	params := testParams()
	detections := []frame.Detection{
		{TimeOffset: 0, MeasuredQubit: quantum.Qubit(0)},
		{TimeOffset: 1000, MeasuredQubit: quantum.Qubit(3)}, // same slot (0) under zero drift
		{TimeOffset: params.SlotWidthPicoseconds, MeasuredQubit: quantum.Qubit(1)},
	}
	assigned := assignSlots(detections, params, 0)
	if len(assigned) != 2 {
		t.Fatalf("expected 2 assigned slots, got %d", len(assigned))
	}
	if assigned[0] != quantum.Qubit(0) {
		t.Fatalf("expected first-wins to keep qubit 0 at slot 0, got %v", assigned[0])
	}
}

func TestTransmitterStoreMarkerIdempotency(t *testing.T) {
	emissions := make(quantum.QubitSequence, 8)
	for i := range emissions {
		emissions[i] = quantum.Qubit(i % 4)
	}
	store := NewTransmitterStore(rng.CryptoSource{})
	store.Put(&frame.EmitterReport{FrameID: 1, Emissions: emissions})

	first, err := store.GetAlignmentMarkers(1, 3, false, "tok-1")
	if err != nil {
		t.Fatalf("GetAlignmentMarkers: %v", err)
	}
	second, err := store.GetAlignmentMarkers(1, 3, false, "tok-1")
	if err != nil {
		t.Fatalf("GetAlignmentMarkers retry: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("retry with same token returned a different-sized selection")
	}
	for slot, q := range first {
		if second[slot] != q {
			t.Fatalf("retry with same token changed marker at slot %d", slot)
		}
	}
}

func TestTransmitterStoreDiscardReleasesReport(t *testing.T) {
	emissions := make(quantum.QubitSequence, 4)
	store := NewTransmitterStore(rng.CryptoSource{})
	store.Put(&frame.EmitterReport{FrameID: 7, Emissions: emissions})

	kept, err := store.DiscardTransmissions(7, []frame.SlotIndex{0, 2})
	if err != nil {
		t.Fatalf("DiscardTransmissions: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept qubits, got %d", len(kept))
	}

	// second call on a released frame is a harmless no-op
	again, err := store.DiscardTransmissions(7, []frame.SlotIndex{0})
	if err != nil {
		t.Fatalf("DiscardTransmissions (released): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty result for already-released frame, got %d", len(again))
	}
}
