package align

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
	"github.com/jaskrrish/qkd-node/internal/qkd/rng"
	"github.com/jaskrrish/qkd-node/internal/statshub"
)

// Emitter is the transmitter-side driver that fires a fresh frame of random
// qubits on an interval, feeding TransmitterStore.Put and publishing an
// EmitterReport to any listener (mirroring the original_source
// DummyTransmitter::Fire / Emit(&IEmitterEventCallback::OnEmitterReport)
// pair: generate randomness, hand the report to the local store, announce it
// to whoever is listening). How real photon hardware is triggered is a
// driver concern outside this package; Emitter is the non-hardware stand-in
// used for the in-process demo and scenario tests.
type Emitter struct {
	source rng.Source
	store  *TransmitterStore
	params frame.SystemParameters
	hub    statshub.Hub

	// Reports publishes each frame's EmitterReport as it is fired, so a
	// local DetectionSource (e.g. LoopbackDetectionSource) can consume the
	// same emissions without a second RPC round trip. The send does not
	// block: a report fired while the buffer (16 reports) is full is not
	// published here, though it is still in the store.
	Reports chan *frame.EmitterReport

	mu    sync.Mutex
	epoch uint64
	frame atomic.Uint64
}

// NewEmitter constructs an Emitter that fires frames of params.FrameSlotCount
// qubits each, drawing randomness from source and storing every report in
// store. A nil hub records nothing.
func NewEmitter(params frame.SystemParameters, source rng.Source, store *TransmitterStore, hub statshub.Hub) *Emitter {
	if hub == nil {
		hub = statshub.Noop
	}
	return &Emitter{
		source:  source,
		store:   store,
		params:  params,
		hub:     hub,
		Reports: make(chan *frame.EmitterReport, 16),
	}
}

// Fire generates and stores one EmitterReport, mirroring
// DummyTransmitter::Fire. The caller supplies the frame id (the transmitter
// side owns frame numbering; spec.md §4.4 requires monotonically increasing
// ids shared between TransmitterStore and the peer's DetectorGater).
func (e *Emitter) Fire(frameID frame.ID) (*frame.EmitterReport, error) {
	emissions, err := e.source.Qubits(e.params.FrameSlotCount)
	if err != nil {
		e.hub.FrameDropped("emitter")
		return nil, err
	}

	e.mu.Lock()
	if e.epoch == 0 {
		e.epoch = uint64(time.Now().UnixNano())
	}
	epoch := e.epoch
	e.mu.Unlock()

	report := &frame.EmitterReport{
		FrameID:        frameID,
		EpochTimestamp: epoch,
		SlotPeriod:     e.params.SlotWidthPicoseconds,
		Emissions:      emissions,
	}

	e.store.Put(report)
	e.hub.StageLatency("emitter", 0)

	select {
	case e.Reports <- report:
	default:
	}
	return report, nil
}

// Run fires consecutive frames on interval until ctx is cancelled, starting
// frame numbering at 1 (frame.NullID is reserved for "no frame").
func (e *Emitter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		id := frame.ID(e.frame.Add(1))
		if _, err := e.Fire(id); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
