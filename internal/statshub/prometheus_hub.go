package statshub

import (
	"time"

	"github.com/jaskrrish/qkd-node/internal/metrics"
)

// PrometheusHub implements Hub by forwarding every call to a
// metrics.Collector. It is the only concrete implementation in this
// package beyond Noop, matching spec.md's "interface only here" scoping
// for the hub itself. The serve command does not use it: it passes
// metrics.Collector.AsHub() to the stages instead.
type PrometheusHub struct {
	c *metrics.Collector
}

// NewPrometheusHub wraps c as a Hub.
func NewPrometheusHub(c *metrics.Collector) *PrometheusHub {
	return &PrometheusHub{c: c}
}

func (h *PrometheusHub) FrameAligned(side string)    { h.c.RecordFrameAligned(side) }
func (h *PrometheusHub) FrameDropped(stage string)   { h.c.RecordFrameDropped(stage) }
func (h *PrometheusHub) Drift(driftPs int64)         { h.c.SetDrift(driftPs) }
func (h *PrometheusHub) SiftedBits(side string, n int) { h.c.RecordSiftedBits(side, n) }
func (h *PrometheusHub) LeakedBits(n int)            { h.c.RecordLeakedBits(n) }
func (h *PrometheusHub) QBER(rate float64)            { h.c.SetQBEREstimate(rate) }
func (h *PrometheusHub) KeyEmitted(bytes int)        { h.c.RecordKeyEmitted(bytes) }
func (h *PrometheusHub) RPCCall(method string, err error) { h.c.RecordRPCCall(method, err) }
func (h *PrometheusHub) StageLatency(stage string, d time.Duration) {
	h.c.RecordStageLatency(stage, d)
}

var _ Hub = (*PrometheusHub)(nil)
