package privacyamp

import (
	"bytes"
	"testing"

	"github.com/jaskrrish/qkd-node/internal/qkd/quantum"
)

func block128() quantum.JaggedBitBlock {
	bits := make([]quantum.Bit, 128)
	for i := range bits {
		bits[i] = quantum.Bit(i % 2)
	}
	return quantum.BitsToJaggedBlock(bits)
}

func TestAmplifyDeterministicAcrossPeers(t *testing.T) {
	secret := []byte("shared-secret-bytes-from-ecdh")
	alice := NewAmplifier(secret)
	bob := NewAmplifier(append([]byte(nil), secret...))

	b := block128()
	a1, err := alice.Amplify(1, b, 10, DefaultSecurityMarginBits)
	if err != nil {
		t.Fatalf("Amplify (alice): %v", err)
	}
	b1, err := bob.Amplify(1, b, 10, DefaultSecurityMarginBits)
	if err != nil {
		t.Fatalf("Amplify (bob): %v", err)
	}
	if !bytes.Equal(a1, b1) {
		t.Fatal("both sides must derive byte-identical output from the same shared secret, sequence, and input")
	}
}

func TestAmplifyDiffersAcrossSequence(t *testing.T) {
	secret := []byte("another-shared-secret")
	amp := NewAmplifier(secret)
	b := block128()

	out1, err := amp.Amplify(1, b, 10, DefaultSecurityMarginBits)
	if err != nil {
		t.Fatalf("Amplify seq 1: %v", err)
	}
	out2, err := amp.Amplify(2, b, 10, DefaultSecurityMarginBits)
	if err != nil {
		t.Fatalf("Amplify seq 2: %v", err)
	}
	if bytes.Equal(out1, out2) {
		t.Fatal("different sequence numbers must reseed the hash differently")
	}
}

func TestSecureLengthClampsToZero(t *testing.T) {
	if got := SecureLength(100, 50, 64); got != 0 {
		t.Fatalf("expected clamped length 0, got %d", got)
	}
	if got := SecureLength(1000, 10, 64); got != 926 {
		t.Fatalf("expected 926, got %d", got)
	}
}

func TestAmplifyZeroLengthDropsFrame(t *testing.T) {
	amp := NewAmplifier([]byte("secret"))
	b := block128()
	out, err := amp.Amplify(1, b, 120, DefaultSecurityMarginBits)
	if err != nil {
		t.Fatalf("Amplify: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil output for a frame whose secure length clamps to zero, got %d bytes", len(out))
	}
}
