package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/steveseguin/ninjamcp/internal/base64url"
	"github.com/steveseguin/ninjamcp/internal/timeutil"
)

// ErrInvalidJoinToken is returned for any structurally or cryptographically
// invalid join token: bad shape, bad signature, or an expired/mismatched
// payload.
var ErrInvalidJoinToken = errors.New("handshake: invalid join token")

// JoinTokenPayload is the signed body of a join token: {room, stream_id,
// exp, nonce}, matching the teacher lineage's signed-token shape
// generalized from Ed25519 (key id, issuer, audience, role) down to a bare
// HMAC since the wire format here carries no key-id/issuer fields.
type JoinTokenPayload struct {
	Room     string `json:"room"`
	StreamID string `json:"stream_id"`
	Exp      int64  `json:"exp"`
	Nonce    string `json:"nonce"`
}

// MintJoinToken builds a join token as
// base64url(payload-json).base64url(HMAC-SHA256(secret, base64url(payload-json))).
func MintJoinToken(secret []byte, payload JoinTokenPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encBody := base64url.Encode(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encBody))
	sig := base64url.Encode(mac.Sum(nil))
	return encBody + "." + sig, nil
}

// VerifyJoinToken splits the token, recomputes the HMAC with constant-time
// comparison, and checks the payload's room/stream-id (when non-empty) and
// expiry against now, skewed by timeutil's ceil-to-whole-second tolerance so
// that sub-second clock differences between peers never cause spurious
// rejection.
func VerifyJoinToken(secret []byte, token string, room, streamID string, nowUnix int64, skew time.Duration) (JoinTokenPayload, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return JoinTokenPayload{}, ErrInvalidJoinToken
	}
	encBody, encSig := parts[0], parts[1]

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encBody))
	wantSig := mac.Sum(nil)

	gotSig, err := base64url.Decode(encSig)
	if err != nil || !hmac.Equal(gotSig, wantSig) {
		return JoinTokenPayload{}, ErrInvalidJoinToken
	}

	body, err := base64url.Decode(encBody)
	if err != nil {
		return JoinTokenPayload{}, ErrInvalidJoinToken
	}
	var payload JoinTokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return JoinTokenPayload{}, ErrInvalidJoinToken
	}

	if payload.Room != "" && room != "" && payload.Room != room {
		return JoinTokenPayload{}, ErrInvalidJoinToken
	}
	if payload.StreamID != "" && streamID != "" && payload.StreamID != streamID {
		return JoinTokenPayload{}, ErrInvalidJoinToken
	}

	skewSeconds := timeutil.SkewSecondsCeil(skew)
	if timeutil.AddSkewUnix(payload.Exp, time.Duration(skewSeconds)*time.Second) <= nowUnix {
		return JoinTokenPayload{}, ErrInvalidJoinToken
	}
	return payload, nil
}
