package handshake

import "crypto/rand"

// randomNonce returns 16 cryptographically random bytes for use as a
// join-token or envelope nonce.
func randomNonce() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return b
}
