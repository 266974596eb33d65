package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/whisperlink/limits"
)

// EnvelopeVersion is the wire envelope version this client speaks.
const EnvelopeVersion = 1

// Envelope type discriminants understood on the live connection.
const (
	// EnvelopeTypeMessage carries an encrypted chat message payload.
	EnvelopeTypeMessage = "message"
	// EnvelopeTypeReceipt advances a message's delivery status.
	EnvelopeTypeReceipt = "receipt"
	// EnvelopeTypeTyping signals the peer is typing; never persisted.
	EnvelopeTypeTyping = "typing"
	// EnvelopeTypePresence signals peer online/offline changes; never persisted.
	EnvelopeTypePresence = "presence"
	// EnvelopeTypeGroup carries a group membership or group system event.
	EnvelopeTypeGroup = "group"
	// EnvelopeTypeSessionInvalid is the server's revocation signal. On receipt
	// the Manager stops reconnecting and tears itself down.
	EnvelopeTypeSessionInvalid = "session_invalid"
)

// Envelope is the outer wire structure on the live connection. Payload is
// opaque at this layer: ciphertext or control data depending on Type.
type Envelope struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Ts      int64  `json:"ts"`
	Payload string `json:"payload"`
}

// NewEnvelope builds an outbound envelope with a fresh id and the current
// timestamp in unix seconds.
func NewEnvelope(envType, from, to, payload string) *Envelope {
	return &Envelope{
		V:       EnvelopeVersion,
		Type:    envType,
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Ts:      time.Now().Unix(),
		Payload: payload,
	}
}

// decodeEnvelope parses and bounds-checks one inbound frame.
func decodeEnvelope(data []byte) (*Envelope, error) {
	if err := limits.ValidateSize(data, limits.MaxEnvelopePayload); err != nil {
		return nil, fmt.Errorf("envelope rejected: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}
