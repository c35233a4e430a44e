// Package align implements the alignment subsystem: the TransmitterStore
// (emitting side) and DetectorGater (measuring side) from spec.md §4.4,
// the hardest single subsystem in the pipeline. There is no teacher analog
// (BB84Protocol has no time-tagged detection concept); the algorithm is
// grounded on original_source/src/CQPToolkit/Alignment/Alignment.h and
// DetectionReciever.h (histogram drift search, marker lock, slot
// assignment) and NullAlignment.cpp (the discard-then-release report
// lifecycle). There is no pass-through (no drift search) gater here.
package align

import (
	"fmt"
	"sync"

	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
	"github.com/jaskrrish/qkd-node/internal/qkd/quantum"
	"github.com/jaskrrish/qkd-node/internal/qkd/rng"
	"github.com/jaskrrish/qkd-node/internal/qkderr"
)

// DiscardedFrame is what TransmitterStore.Output delivers once a frame's
// non-matching slots have been discarded on the remote DetectorGater's say:
// the qubits kept, in slot order, ready for the local TxSifter.
type DiscardedFrame struct {
	FrameID frame.ID
	Qubits  quantum.QubitSequence
}

// TransmitterStore holds each EmitterReport by frame id until the peer has
// finished discarding non-matching slots for that frame, and serves
// alignment markers to the detector side.
type TransmitterStore struct {
	source rng.Source

	// Output carries the kept qubits for each frame once the remote
	// DetectorGater has told this store which slots to keep (spec.md §4.4
	// Step D), feeding the transmitter side's own Sifter locally.
	Output chan *DiscardedFrame

	mu      sync.Mutex
	reports map[frame.ID]*frame.EmitterReport
	// markerCache remembers the marker set served for a given (frame_id,
	// idempotency token) pair so a retried request gets the identical set
	// (spec.md §4.4's GetAlignmentMarkers idempotency rule).
	markerCache map[markerCacheKey]map[frame.SlotIndex]quantum.Qubit
}

type markerCacheKey struct {
	frameID frame.ID
	token   string
}

// NewTransmitterStore constructs a store drawing marker selections from source.
func NewTransmitterStore(source rng.Source) *TransmitterStore {
	return &TransmitterStore{
		source:      source,
		reports:     make(map[frame.ID]*frame.EmitterReport),
		markerCache: make(map[markerCacheKey]map[frame.SlotIndex]quantum.Qubit),
		Output:      make(chan *DiscardedFrame, 64),
	}
}

// Put stores a freshly emitted report, indexed by frame id.
func (s *TransmitterStore) Put(report *frame.EmitterReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.FrameID] = report
}

// GetAlignmentMarkers selects count slot indices uniformly at random from
// the frame (or all slots if sendAllBasis) and returns their qubit values.
// Idempotency: the same request token for the same frame id returns the
// same selection.
func (s *TransmitterStore) GetAlignmentMarkers(frameID frame.ID, count int, sendAllBasis bool, idempotencyToken string) (map[frame.SlotIndex]quantum.Qubit, error) {
	s.mu.Lock()
	report, ok := s.reports[frameID]
	if !ok {
		s.mu.Unlock()
		return nil, qkderr.New(qkderr.FrameAbandoned, "align.store", uint64(frameID), fmt.Errorf("no emitter report for frame %d", frameID))
	}

	key := markerCacheKey{frameID: frameID, token: idempotencyToken}
	if idempotencyToken != "" {
		if cached, ok := s.markerCache[key]; ok {
			s.mu.Unlock()
			return cached, nil
		}
	}
	emissions := report.Emissions
	s.mu.Unlock()

	markers := make(map[frame.SlotIndex]quantum.Qubit)
	if sendAllBasis || count >= len(emissions) {
		for i, q := range emissions {
			markers[frame.SlotIndex(i)] = q
		}
	} else {
		perm, err := s.source.Perm(len(emissions))
		if err != nil {
			return nil, qkderr.New(qkderr.Internal, "align.store", uint64(frameID), err)
		}
		for _, idx := range perm[:count] {
			markers[frame.SlotIndex(idx)] = emissions[idx]
		}
	}

	if idempotencyToken != "" {
		s.mu.Lock()
		s.markerCache[key] = markers
		s.mu.Unlock()
	}
	return markers, nil
}

// DiscardTransmissions keeps only the qubits at validSlots (in original
// order), hands them to the caller for the local Sifter, and releases the
// full report. A second identical call on an already-released frame is a
// no-op that returns an empty sequence (the round-trip idempotence law).
func (s *TransmitterStore) DiscardTransmissions(frameID frame.ID, validSlots []frame.SlotIndex) (quantum.QubitSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[frameID]
	if !ok {
		return quantum.QubitSequence{}, nil
	}

	keep := make(map[frame.SlotIndex]bool, len(validSlots))
	for _, idx := range validSlots {
		keep[idx] = true
	}

	kept := make(quantum.QubitSequence, 0, len(validSlots))
	for i, q := range report.Emissions {
		if keep[frame.SlotIndex(i)] {
			kept = append(kept, q)
		}
	}

	delete(s.reports, frameID)
	for k := range s.markerCache {
		if k.frameID == frameID {
			delete(s.markerCache, k)
		}
	}

	return kept, nil
}
