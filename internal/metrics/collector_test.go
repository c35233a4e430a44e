package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jaskrrish/qkd-node/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.SessionState == nil {
		t.Error("SessionState is nil")
	}
	if c.FramesAligned == nil {
		t.Error("FramesAligned is nil")
	}
	if c.KeysEmitted == nil {
		t.Error("KeysEmitted is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSetSessionStateExclusive(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	states := []string{"Idle", "Listening", "Connected"}
	c.SetSessionState("Listening", states)

	if v := gaugeValue(t, c.SessionState, "Listening"); v != 1 {
		t.Errorf("Listening gauge = %v, want 1", v)
	}
	if v := gaugeValue(t, c.SessionState, "Idle"); v != 0 {
		t.Errorf("Idle gauge = %v, want 0", v)
	}
	if v := gaugeValue(t, c.SessionState, "Connected"); v != 0 {
		t.Errorf("Connected gauge = %v, want 0", v)
	}

	c.SetSessionState("Connected", states)
	if v := gaugeValue(t, c.SessionState, "Listening"); v != 0 {
		t.Errorf("Listening gauge after transition = %v, want 0", v)
	}
	if v := gaugeValue(t, c.SessionState, "Connected"); v != 1 {
		t.Errorf("Connected gauge after transition = %v, want 1", v)
	}
}

func TestRecordFrameAlignedAndDropped(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordFrameAligned("transmitter")
	c.RecordFrameAligned("transmitter")
	c.RecordFrameDropped("align")

	if v := counterValue(t, c.FramesAligned, "transmitter"); v != 2 {
		t.Errorf("FramesAligned = %v, want 2", v)
	}
	if v := counterValue(t, c.FramesDropped, "align"); v != 1 {
		t.Errorf("FramesDropped = %v, want 1", v)
	}
}

func TestRecordKeyEmitted(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordKeyEmitted(16)
	c.RecordKeyEmitted(16)

	m := &dto.Metric{}
	if err := c.KeysEmitted.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("KeysEmitted = %v, want 2", got)
	}

	m2 := &dto.Metric{}
	if err := c.KeyBytesEmitted.Write(m2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m2.GetCounter().GetValue(); got != 32 {
		t.Errorf("KeyBytesEmitted = %v, want 32", got)
	}
}

func TestRecordRPCCall(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordRPCCall("sift.VerifyBases", nil)
	c.RecordRPCCall("sift.VerifyBases", errors.New("boom"))

	if v := counterValue(t, c.RPCCallsTotal, "sift.VerifyBases"); v != 2 {
		t.Errorf("RPCCallsTotal = %v, want 2", v)
	}
	if v := counterValue(t, c.RPCErrorsTotal, "sift.VerifyBases"); v != 1 {
		t.Errorf("RPCErrorsTotal = %v, want 1", v)
	}
}

func TestRecordStageLatency(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordStageLatency("align", 25*time.Millisecond)

	if v := gaugeValue(t, c.StageLatencyMS, "align"); v != 25 {
		t.Errorf("StageLatencyMS = %v, want 25", v)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
