// Package metrics exposes the pipeline's Prometheus metrics. Grounded on
// the teacher's internal/metrics/collector.go Collector: one struct of
// typed metric vectors built by newMetrics and registered in NewCollector,
// with update methods named after the event they record rather than the
// metric's field name.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qkdnode"

// Label names shared across stage metrics.
const (
	labelSide  = "side"
	labelStage = "stage"
)

// Collector holds every Prometheus metric emitted by the pipeline stages.
type Collector struct {
	// SessionState reports the session controller's current state as a
	// gauge set (1 for the active state, 0 for the rest) labeled by state
	// name, so a single query shows the FSM's current position.
	SessionState *prometheus.GaugeVec

	// FramesAligned counts frames aligned successfully, per side; only the
	// DetectorGater records it, under the "detector" label.
	FramesAligned *prometheus.CounterVec

	// FramesDropped counts frames abandoned at any stage, labeled by the
	// stage that gave up on them (emitter, align, sift, ecc).
	FramesDropped *prometheus.CounterVec

	// DriftPicoseconds is the DetectorGater's last locked drift estimate.
	DriftPicoseconds prometheus.Gauge

	// SiftedBits counts bits packed into sifted blocks, per side.
	SiftedBits *prometheus.CounterVec

	// ReconciledLeakedBits counts bits disclosed as parity during error
	// correction, the input to privacy amplification's leakage term.
	ReconciledLeakedBits prometheus.Counter

	// QBEREstimate is the most recent estimated quantum bit error rate fed
	// into error correction.
	QBEREstimate prometheus.Gauge

	// KeysEmitted counts KeyRecords published by the key packager.
	KeysEmitted prometheus.Counter

	// KeyBytesEmitted counts raw key bytes published by the key packager.
	KeyBytesEmitted prometheus.Counter

	// RPCCallsTotal counts outbound RPC calls per method.
	RPCCallsTotal *prometheus.CounterVec

	// RPCErrorsTotal counts failed outbound RPC calls per method.
	RPCErrorsTotal *prometheus.CounterVec

	// StageLatencyMS reports the most recent work-loop iteration latency
	// per stage, in milliseconds.
	StageLatencyMS *prometheus.GaugeVec
}

// NewCollector creates a Collector with every metric registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionState,
		c.FramesAligned,
		c.FramesDropped,
		c.DriftPicoseconds,
		c.SiftedBits,
		c.ReconciledLeakedBits,
		c.QBEREstimate,
		c.KeysEmitted,
		c.KeyBytesEmitted,
		c.RPCCallsTotal,
		c.RPCErrorsTotal,
		c.StageLatencyMS,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Session controller state (1 = current state, 0 = inactive), labeled by state name.",
		}, []string{"state"}),

		FramesAligned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_aligned_total",
			Help:      "Total frames successfully aligned.",
		}, []string{labelSide}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames abandoned, labeled by the stage that dropped them.",
		}, []string{labelStage}),

		DriftPicoseconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_picoseconds",
			Help:      "Last locked clock drift estimate, in picoseconds per slot.",
		}),

		SiftedBits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sifted_bits_total",
			Help:      "Total bits packed into sifted blocks.",
		}, []string{labelSide}),

		ReconciledLeakedBits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_leaked_bits_total",
			Help:      "Total bits disclosed as parity during error correction.",
		}),

		QBEREstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qber_estimate",
			Help:      "Most recent estimated quantum bit error rate.",
		}),

		KeysEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_emitted_total",
			Help:      "Total KeyRecords published by the key packager.",
		}),

		KeyBytesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_bytes_emitted_total",
			Help:      "Total key bytes published by the key packager.",
		}),

		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total outbound RPC calls, labeled by method.",
		}, []string{"method"}),

		RPCErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "Total failed outbound RPC calls, labeled by method.",
		}, []string{"method"}),

		StageLatencyMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Most recent work-loop iteration latency per stage, in milliseconds.",
		}, []string{labelStage}),
	}
}

// SetSessionState zeroes every known state gauge and sets the current one
// to 1, so the metric always reflects exactly one active state.
func (c *Collector) SetSessionState(current string, allStates []string) {
	for _, s := range allStates {
		if s == current {
			c.SessionState.WithLabelValues(s).Set(1)
		} else {
			c.SessionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordFrameAligned increments the aligned-frame counter for side.
func (c *Collector) RecordFrameAligned(side string) {
	c.FramesAligned.WithLabelValues(side).Inc()
}

// RecordFrameDropped increments the dropped-frame counter for stage.
func (c *Collector) RecordFrameDropped(stage string) {
	c.FramesDropped.WithLabelValues(stage).Inc()
}

// SetDrift records the DetectorGater's last locked drift, in picoseconds.
func (c *Collector) SetDrift(driftPs int64) {
	c.DriftPicoseconds.Set(float64(driftPs))
}

// RecordSiftedBits adds n sifted bits to side's counter.
func (c *Collector) RecordSiftedBits(side string, n int) {
	if n <= 0 {
		return
	}
	c.SiftedBits.WithLabelValues(side).Add(float64(n))
}

// RecordLeakedBits adds n bits disclosed during error correction.
func (c *Collector) RecordLeakedBits(n int) {
	if n <= 0 {
		return
	}
	c.ReconciledLeakedBits.Add(float64(n))
}

// SetQBEREstimate records the most recent QBER estimate.
func (c *Collector) SetQBEREstimate(rate float64) {
	c.QBEREstimate.Set(rate)
}

// RecordKeyEmitted records one emitted KeyRecord of size bytes bytes.
func (c *Collector) RecordKeyEmitted(bytes int) {
	c.KeysEmitted.Inc()
	if bytes > 0 {
		c.KeyBytesEmitted.Add(float64(bytes))
	}
}

// RecordRPCCall records one outbound RPC call for method, and whether it
// failed.
func (c *Collector) RecordRPCCall(method string, err error) {
	c.RPCCallsTotal.WithLabelValues(method).Inc()
	if err != nil {
		c.RPCErrorsTotal.WithLabelValues(method).Inc()
	}
}

// RecordStageLatency records d as stage's most recent iteration latency.
func (c *Collector) RecordStageLatency(stage string, d time.Duration) {
	c.StageLatencyMS.WithLabelValues(stage).Set(float64(d.Milliseconds()))
}

// hubAdapter satisfies statshub.Hub by forwarding to a Collector, translating
// the hub's verb-first method names to the Collector's Record*/Set* ones.
// Kept as a distinct type rather than implementing statshub.Hub directly on
// Collector so the Collector's own exported API reads naturally from
// Prometheus-facing callers while pipeline stages see only the Hub contract.
type hubAdapter struct{ c *Collector }

// AsHub adapts c to the statshub.Hub interface pipeline stages are
// constructed with.
func (c *Collector) AsHub() hubAdapter { return hubAdapter{c: c} }

func (h hubAdapter) FrameAligned(side string)  { h.c.RecordFrameAligned(side) }
func (h hubAdapter) FrameDropped(stage string) { h.c.RecordFrameDropped(stage) }
func (h hubAdapter) Drift(driftPs int64)       { h.c.SetDrift(driftPs) }
func (h hubAdapter) SiftedBits(side string, n int) { h.c.RecordSiftedBits(side, n) }
func (h hubAdapter) LeakedBits(n int)          { h.c.RecordLeakedBits(n) }
func (h hubAdapter) QBER(rate float64)         { h.c.SetQBEREstimate(rate) }
func (h hubAdapter) KeyEmitted(bytes int)      { h.c.RecordKeyEmitted(bytes) }
func (h hubAdapter) RPCCall(method string, err error) { h.c.RecordRPCCall(method, err) }
func (h hubAdapter) StageLatency(stage string, d time.Duration) { h.c.RecordStageLatency(stage, d) }
