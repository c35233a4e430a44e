package align

import (
	"context"

	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
	"github.com/jaskrrish/qkd-node/internal/qkd/quantum"
	"github.com/jaskrrish/qkd-node/internal/qkd/rng"
)

// DetectionSource models asynchronous detector input as an iterator of
// frames (how a real device's detection events reach this pipeline is a
// driver concern outside this package's scope). DetectorGater consumes
// whatever implementation is wired in; production code talks to real
// hardware, tests and the in-process demo use LoopbackDetectionSource.
type DetectionSource interface {
	// Next blocks until the next frame's DetectionReport is available, or
	// ctx is cancelled.
	Next(ctx context.Context) (*frame.DetectionReport, error)
}

// LoopbackDetectionSource is the non-hardware stand-in: it consumes the
// transmitter-side Emitter's EmitterReport stream directly (simulating an
// ideal back-to-back optical fiber with no transit delay) and measures each
// qubit through a rng.LoopbackChannel in a basis chosen independently at
// random, exactly like a real detector that has no foreknowledge of the
// sender's preparation basis. Grounded on the same DummyTransmitter /
// DummyTimeTagger loopback pairing original_source models for its own
// simulation mode (CQPToolkit/Simulation), translated into the iterator
// shape spec.md §9 asks for.
type LoopbackDetectionSource struct {
	channel *rng.LoopbackChannel
	source  rng.Source
	params  frame.SystemParameters
	reports <-chan *frame.EmitterReport
}

// NewLoopbackDetectionSource constructs a source that measures frames
// arriving on reports (typically Emitter.Reports) through a simulated
// channel with the given noise level.
func NewLoopbackDetectionSource(params frame.SystemParameters, noiseLevel float64, source rng.Source, reports <-chan *frame.EmitterReport) *LoopbackDetectionSource {
	return &LoopbackDetectionSource{
		channel: rng.NewLoopbackChannel(noiseLevel, source),
		source:  source,
		params:  params,
		reports: reports,
	}
}

// Next implements DetectionSource by measuring the next emitted frame.
func (l *LoopbackDetectionSource) Next(ctx context.Context) (*frame.DetectionReport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case report, ok := <-l.reports:
		if !ok {
			return nil, ctx.Err()
		}
		return l.measure(report)
	}
}

func (l *LoopbackDetectionSource) measure(report *frame.EmitterReport) (*frame.DetectionReport, error) {
	detections := make([]frame.Detection, len(report.Emissions))
	for i, emitted := range report.Emissions {
		transmitted, err := l.channel.Transmit(emitted)
		if err != nil {
			return nil, err
		}
		basisBit, err := l.source.Bits(1)
		if err != nil {
			return nil, err
		}
		measured, err := l.channel.Measure(transmitted, quantum.Basis(basisBit[0]))
		if err != nil {
			return nil, err
		}
		detections[i] = frame.Detection{
			TimeOffset:    uint64(i) * report.SlotPeriod,
			MeasuredQubit: measured,
		}
	}
	return &frame.DetectionReport{
		FrameID:        report.FrameID,
		EpochTimestamp: report.EpochTimestamp,
		Detections:     detections,
	}, nil
}
