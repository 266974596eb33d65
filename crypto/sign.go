package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
)

// SignEnvelope computes the envelope integrity signature the relay server
// verifies: HMAC-SHA256 over the positional concatenation
//
//	ciphertextB64 + keyB64 + unixTs
//
// keyed by the caller's session secret, hex-encoded. The concatenation order
// and the timestamp unit (seconds since epoch, decimal) are part of the wire
// contract; the server recomputes the same bytes, so neither may change.
func SignEnvelope(ciphertextB64, keyB64 string, unixTs int64, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ciphertextB64))
	mac.Write([]byte(keyB64))
	mac.Write([]byte(strconv.FormatInt(unixTs, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer signs outbound envelopes with the current session secret.
//
// The secret is the session bearer token. Reusing an authentication credential
// as a signing key conflates two roles; it is preserved here because the relay
// server's verification contract requires it. Whether a rotated token
// invalidates signatures the server already accepted depends on whether the
// server re-verifies on every call, which the server contract does not state.
type Signer struct {
	mu     sync.RWMutex
	secret []byte
}

// NewSigner creates a Signer keyed by the session token.
func NewSigner(token string) *Signer {
	return &Signer{secret: []byte(token)}
}

// SetToken replaces the signing secret. Envelopes signed after the call use
// the new token; in-flight signatures are unaffected.
func (s *Signer) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = []byte(token)
}

// Sign computes the signature for one outbound envelope.
func (s *Signer) Sign(ciphertextB64, keyB64 string, unixTs int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SignEnvelope(ciphertextB64, keyB64, unixTs, s.secret)
}
