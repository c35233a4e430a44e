package rng

import "github.com/jaskrrish/qkd-node/internal/qkd/quantum"

// LoopbackChannel simulates a noisy optical link for the in-process demo
// and scenario tests (the physical link itself is out of scope; this
// models just enough of it to exercise the pipeline without real
// hardware). Adapted from the teacher's quantum.QuantumChannel /
// SimulatorBackend, generalized to operate on the packed Qubit wire type.
type LoopbackChannel struct {
	NoiseLevel float64
	source     Source
}

// NewLoopbackChannel builds a channel with the given bit-flip probability.
func NewLoopbackChannel(noiseLevel float64, source Source) *LoopbackChannel {
	return &LoopbackChannel{NoiseLevel: noiseLevel, source: source}
}

// Transmit simulates sending one qubit over the channel, flipping its
// classical value with probability NoiseLevel (decoherence), basis
// preserved.
func (c *LoopbackChannel) Transmit(q quantum.Qubit) (quantum.Qubit, error) {
	if c.NoiseLevel <= 0 {
		return q, nil
	}
	n, err := c.source.Intn(1_000_000)
	if err != nil {
		return q, err
	}
	if float64(n)/1_000_000 < c.NoiseLevel {
		return quantum.NewQubit(q.Basis(), 1-q.Bit()), nil
	}
	return q, nil
}

// Measure simulates measuring q in measurementBasis: if the basis matches
// preparation, the bit is read faithfully; otherwise the outcome is a
// uniform coin flip, matching quantum superposition collapse.
func (c *LoopbackChannel) Measure(q quantum.Qubit, measurementBasis quantum.Basis) (quantum.Qubit, error) {
	bit := q.Bit()
	if measurementBasis != q.Basis() {
		coin, err := c.source.Intn(2)
		if err != nil {
			return 0, err
		}
		bit = quantum.Bit(coin)
	}
	return quantum.NewQubit(measurementBasis, bit), nil
}
