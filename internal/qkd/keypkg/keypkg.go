// Package keypkg implements the Key Packager from spec.md §4.8: concatenate
// privacy-amplified frame outputs, and whenever the carry buffer reaches
// key_size_bytes, cut as many fixed-size keys as possible, publishing a
// KeyRecord per key with a fresh monotonically increasing key_id.
//
// There is no teacher analog (BB84Protocol returns one flat key per call,
// no buffering or fixed-size cutting); grounded on spec.md §4.8 directly,
// written in the teacher's plain-struct style. The "publish to
// subscribers" requirement is carried over using the same buffered-channel
// delivery idiom already used by internal/qkd/sift.RxSifter.Output.
package keypkg

import (
	"fmt"
	"sync"

	"github.com/jaskrrish/qkd-node/internal/qkderr"
	"github.com/jaskrrish/qkd-node/internal/statshub"
)

// KeyRecord is one fixed-size key cut from the carry-over buffer.
type KeyRecord struct {
	ID    uint64
	Bytes []byte
}

// Packager accumulates privacy-amplified bytes and cuts fixed-size keys.
type Packager struct {
	keySizeBytes int

	// Output receives each emitted KeyRecord; buffered (64 records) so
	// Push never blocks on a slow subscriber. When the buffer is full, Push
	// does not deliver the record on Output; it is still in the slice that
	// Push returns.
	Output chan KeyRecord

	hub statshub.Hub

	mu        sync.Mutex
	carry     []byte
	nextKeyID uint64
}

// NewPackager constructs a Packager cutting keys of keySizeBytes bytes.
// keySizeBytes must be positive. A nil hub records nothing.
func NewPackager(keySizeBytes int, hub statshub.Hub) (*Packager, error) {
	if keySizeBytes <= 0 {
		return nil, qkderr.New(qkderr.Internal, "keypkg", 0, fmt.Errorf("key_size_bytes must be positive, got %d", keySizeBytes))
	}
	if hub == nil {
		hub = statshub.Noop
	}
	return &Packager{
		keySizeBytes: keySizeBytes,
		Output:       make(chan KeyRecord, 64),
		hub:          hub,
		nextKeyID:    1,
	}, nil
}

// Push appends amplified to the carry buffer and emits as many full-size
// KeyRecords as the buffer now supports, returning them (in addition to
// delivering them on Output) so a synchronous caller can act on them
// immediately without racing the channel.
func (p *Packager) Push(amplified []byte) []KeyRecord {
	if len(amplified) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.carry = append(p.carry, amplified...)

	var emitted []KeyRecord
	for len(p.carry) >= p.keySizeBytes {
		key := make([]byte, p.keySizeBytes)
		copy(key, p.carry[:p.keySizeBytes])
		p.carry = append([]byte(nil), p.carry[p.keySizeBytes:]...)

		record := KeyRecord{ID: p.nextKeyID, Bytes: key}
		p.nextKeyID++
		emitted = append(emitted, record)
		p.hub.KeyEmitted(len(key))

		select {
		case p.Output <- record:
		default:
		}
	}
	return emitted
}

// CarryLen returns the number of bytes currently held in the carry-over
// buffer (always < keySizeBytes), for observability/testing.
func (p *Packager) CarryLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.carry)
}
