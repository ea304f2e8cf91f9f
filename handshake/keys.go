package handshake

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/steveseguin/ninjamcp/internal/base64url"
	"github.com/steveseguin/ninjamcp/internal/hkdf"
)

// sessionMACSalt and sessionMACInfo fix the HKDF-SHA256 extract/expand
// parameters used to turn a raw X25519 shared secret into a session MAC
// key. The raw ECDH output is never used directly as a MAC key.
const (
	sessionMACSalt = "vdo_mcp_bridge_v1/session-mac"
	sessionMACInfo = "session-mac"
)

// KeyPair is a local X25519 key-agreement key pair.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{priv: priv}, nil
}

// PublicKeyBase64 returns the raw 32-byte X25519 public key, base64url
// encoded, suitable for the sync.hello payload.
func (k KeyPair) PublicKeyBase64() string {
	return base64url.Encode(k.priv.PublicKey().Bytes())
}

// DeriveSharedMACKey computes X25519(local_priv, remote_pub) and runs the
// result through HKDF-SHA256 (fixed salt/info) to produce the 32-byte
// session MAC key. remotePubB64 is the raw public key, base64url encoded.
func (k KeyPair) DeriveSharedMACKey(remotePubB64 string) ([]byte, error) {
	remoteRaw, err := base64url.Decode(remotePubB64)
	if err != nil {
		return nil, err
	}
	remotePub, err := ecdh.X25519().NewPublicKey(remoteRaw)
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(remotePub)
	if err != nil {
		return nil, err
	}
	prk := hkdf.ExtractSHA256([]byte(sessionMACSalt), secret)
	return hkdf.ExpandSHA256(prk, []byte(sessionMACInfo), 32)
}
