package wiresocket

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/danielrobbins/hostbeacon/internal/keys"
)

// sealer turns an outgoing envelope into an authenticated-encrypted wire
// blob and back, using a single precomputed shared key for the life of one
// connection. This is the Curve25519+XSalsa20-Poly1305 construction the
// original CurveZMQ transport relied on, carried here by
// golang.org/x/crypto/nacl/box instead of libsodium.
type sealer struct {
	shared [32]byte
}

func newSealer(localSecret keys.SecretKey, remotePublic keys.PublicKey) *sealer {
	var s sealer
	box.Precompute(&s.shared, (*[32]byte)(&remotePublic), (*[32]byte)(&localSecret))
	return &s
}

// seal encrypts plaintext with a fresh random nonce, prepending the nonce
// to the ciphertext so the peer can recover it on open.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wiresocket: generate nonce: %w", err)
	}
	out := make([]byte, 0, 24+len(plaintext)+box.Overhead)
	out = append(out, nonce[:]...)
	out = box.SealAfterPrecomputation(out, plaintext, &nonce, &s.shared)
	return out, nil
}

// open reverses seal. A forged or corrupted blob returns an error; the
// caller treats this exactly like any other malformed-frame condition.
func (s *sealer) open(blob []byte) ([]byte, error) {
	if len(blob) < 24 {
		return nil, fmt.Errorf("wiresocket: sealed blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	out, ok := box.OpenAfterPrecomputation(nil, blob[24:], &nonce, &s.shared)
	if !ok {
		return nil, fmt.Errorf("wiresocket: failed to open sealed blob")
	}
	return out, nil
}
