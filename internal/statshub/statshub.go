// Package statshub implements the Statistics hub named in spec.md's
// component table ("Per-stage counters/timers exposed for external
// reporting (interface only here)") and REDESIGN FLAGS ("Replace [global
// singletons] with a session-scoped statistics hub passed by reference
// into stages at construction").
//
// The hub itself only defines the interface pipeline stages call into;
// internal/metrics.Collector is one concrete backend (wired to
// Prometheus), and a no-op backend is provided for stages constructed
// outside of a running session (tests, one-off tooling).
package statshub

import "time"

// Hub is the per-stage reporting surface every pipeline stage is
// constructed with. Stages never reach for a global registry; they hold
// exactly the Hub reference passed to their constructor, per spec.md's
// ownership summary ("stages do not share mutable state with each
// other").
type Hub interface {
	// FrameAligned records one frame successfully aligned on side.
	FrameAligned(side string)
	// FrameDropped records one frame abandoned at stage.
	FrameDropped(stage string)
	// Drift records the DetectorGater's latest locked drift, picoseconds.
	Drift(driftPs int64)
	// SiftedBits records n bits packed into a sifted block on side.
	SiftedBits(side string, n int)
	// LeakedBits records n bits disclosed as parity during reconciliation.
	LeakedBits(n int)
	// QBER records the most recent estimated quantum bit error rate.
	QBER(rate float64)
	// KeyEmitted records one emitted KeyRecord of the given byte length.
	KeyEmitted(bytes int)
	// RPCCall records one outbound RPC call for method, and its outcome.
	RPCCall(method string, err error)
	// StageLatency records how long one iteration of stage's work loop took.
	StageLatency(stage string, d time.Duration)
}

// noop implements Hub by discarding everything. Used when a stage is
// constructed without a session (tests, standalone tooling).
type noop struct{}

// Noop is a Hub that discards every call.
var Noop Hub = noop{}

func (noop) FrameAligned(string)          {}
func (noop) FrameDropped(string)          {}
func (noop) Drift(int64)                  {}
func (noop) SiftedBits(string, int)       {}
func (noop) LeakedBits(int)               {}
func (noop) QBER(float64)                 {}
func (noop) KeyEmitted(int)               {}
func (noop) RPCCall(string, error)        {}
func (noop) StageLatency(string, time.Duration) {}
