// Package frame holds the per-frame data model shared across the
// alignment, sifting, and error-correction stages: the Frame identity,
// EmitterReport/DetectionReport records, SlotIndex, and SystemParameters.
// Grounded on spec.md §3; there is no teacher analog (the teacher runs a
// single in-process exchange with no frame concept), so this package is new,
// written in the teacher's struct-and-doc-comment style.
package frame

import "github.com/jaskrrish/qkd-node/internal/qkd/quantum"

// ID identifies a contiguous work unit. Monotonic starting at 1; 0 is
// reserved as "null".
type ID uint64

// NullID is the reserved null frame identifier.
const NullID ID = 0

// SlotIndex identifies a transmission slot within a frame, in
// [0, frame_slot_count).
type SlotIndex int

// SystemParameters are fixed at session start and immutable thereafter.
type SystemParameters struct {
	FrameSlotCount               int
	FrameWidthPicoseconds        uint64
	SlotWidthPicoseconds         uint64
	PulseWidthPicoseconds        uint64
	MaxDriftPicosecondsPerSecond int64
	AcceptanceRatio              float64
	// TransmitterFirst records which side must start emission first at
	// SessionStarting (spec.md §4.1's "session configuration bit"); both
	// peers must agree on this value.
	TransmitterFirst bool
}

// DefaultSystemParameters returns the configuration defaults named in
// spec.md §6.
func DefaultSystemParameters() SystemParameters {
	return SystemParameters{
		FrameSlotCount:  1024,
		AcceptanceRatio: 0.9,
	}
}

// EmitterReport is the per-frame record produced at the transmitter: the
// qubits prepared for each slot of one frame. Owned by the TransmitterStore
// until the peer finishes discarding non-matching slots, then dropped.
type EmitterReport struct {
	FrameID        ID
	EpochTimestamp uint64
	SlotPeriod     uint64
	Emissions      quantum.QubitSequence
	// Intensity is optional per-slot intensity; nil when not tracked.
	Intensity []float64
}

// Detection is one time-tagged measurement at the detector. TimeOffset is a
// monotonically non-decreasing elapsed interval from the report's
// EpochTimestamp, in picoseconds.
type Detection struct {
	TimeOffset    uint64
	MeasuredQubit quantum.Qubit
}

// DetectionReport is the per-frame record produced at the detector: an
// ordered, possibly sparse, sequence of detections. Losses appear as
// missing time slots, not as zero-valued entries.
type DetectionReport struct {
	FrameID        ID
	EpochTimestamp uint64
	Detections     []Detection
}
