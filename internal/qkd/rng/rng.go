// Package rng implements the Randomness component: a uniform qubit and byte
// stream abstraction consumed by qubit preparation and by alignment marker
// selection. Treated as an oracle per the specification; this package is the
// oracle's concrete (non-hardware) implementation, grounded on the teacher's
// internal/qkd/bb84.go cryptoRandInt helper and internal/qkd/quantum/types.go
// GenerateRandomBits/GenerateRandomBases, generalized to use crypto/rand
// throughout instead of math/rand so marker selection and qubit preparation
// are not predictable from an observed PRNG seed.
package rng

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/jaskrrish/qkd-node/internal/qkd/quantum"
)

// Source produces uniform qubits, bits, and bytes.
type Source interface {
	// Qubits returns n qubits with independently uniform basis and bit.
	Qubits(n int) (quantum.QubitSequence, error)
	// Bits returns n independently uniform classical bits.
	Bits(n int) ([]quantum.Bit, error)
	// Bytes returns n uniform random bytes.
	Bytes(n int) ([]byte, error)
	// Intn returns a uniform random integer in [0,max).
	Intn(max int) (int, error)
	// Perm returns a uniform random permutation of [0,n).
	Perm(n int) ([]int, error)
}

// CryptoSource is the production Source, backed by crypto/rand.
type CryptoSource struct{}

// NewCryptoSource constructs the default cryptographically secure Source.
func NewCryptoSource() *CryptoSource { return &CryptoSource{} }

func (CryptoSource) Intn(max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("rng: max must be positive, got %d", max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("rng: %w", err)
	}
	return int(n.Int64()), nil
}

func (s CryptoSource) Bits(n int) ([]quantum.Bit, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := s.Bytes((n + 7) / 8)
	if err != nil {
		return nil, err
	}
	bits := make([]quantum.Bit, n)
	for i := 0; i < n; i++ {
		if raw[i/8]&(1<<uint(i%8)) != 0 {
			bits[i] = quantum.One
		}
	}
	return bits, nil
}

func (s CryptoSource) Qubits(n int) (quantum.QubitSequence, error) {
	bits, err := s.Bits(n)
	if err != nil {
		return nil, err
	}
	bases, err := s.Bits(n)
	if err != nil {
		return nil, err
	}
	qs := make(quantum.QubitSequence, n)
	for i := range qs {
		qs[i] = quantum.NewQubit(quantum.Basis(bases[i]), bits[i])
	}
	return qs, nil
}

func (CryptoSource) Bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("rng: %w", err)
	}
	return buf, nil
}

// Perm returns a uniform random permutation of [0,n) using a Fisher-Yates
// shuffle driven by Intn, matching the sample-without-replacement need of
// marker selection.
func (s CryptoSource) Perm(n int) ([]int, error) {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := s.Intn(i + 1)
		if err != nil {
			return nil, err
		}
		p[i], p[j] = p[j], p[i]
	}
	return p, nil
}
