// Package mailbox implements the polling fallback delivery path: while the
// live connection is up, the poller periodically drains the server-held
// pending-message mailbox, decrypts each envelope, classifies the payload,
// and hands fully-formed messages to the shared persist routine.
package mailbox

import (
	"encoding/json"

	"github.com/opd-ai/whisperlink/storage"
)

// Kind is the structural classification of a decrypted payload.
type Kind uint8

const (
	// KindText is a plain text message, including every payload that fails
	// to parse as anything more specific.
	KindText Kind = iota
	// KindMedia is a media reference payload.
	KindMedia
	// KindEmoji is a single large-emoji payload.
	KindEmoji
)

// Classified is the result of payload classification.
type Classified struct {
	Kind  Kind
	Text  string
	Emoji string
	Media *storage.MediaDescriptor
}

// payloadProbe covers every shape the server may deliver. Absent fields stay
// zero, which is what the presence checks below key on.
type payloadProbe struct {
	storage.MediaDescriptor
	Emoji string `json:"emoji"`
}

// Classify inspects a decrypted payload structurally: a JSON object carrying
// mediaId, encryptedKey, and iv is a media message; a JSON object carrying
// emoji is an emoji message; everything else, malformed JSON included, is
// plain text. The wire format has no discriminant field, so sniffing is the
// contract; the fallback branch means classification can never fail.
func Classify(plaintext []byte) Classified {
	var probe payloadProbe
	if err := json.Unmarshal(plaintext, &probe); err == nil {
		if probe.MediaID != "" && probe.EncryptedKey != "" && probe.IV != "" {
			desc := probe.MediaDescriptor
			return Classified{Kind: KindMedia, Media: &desc}
		}
		if probe.Emoji != "" {
			return Classified{Kind: KindEmoji, Emoji: probe.Emoji}
		}
	}
	return Classified{Kind: KindText, Text: string(plaintext)}
}

// MessageType maps a classification to the stored message type. Media types
// are refined by mime.
func (c Classified) MessageType() storage.MessageType {
	switch c.Kind {
	case KindEmoji:
		return storage.MessageTypeEmoji
	case KindMedia:
		if c.Media == nil {
			return storage.MessageTypeDocument
		}
		return storage.MediaTypeForMime(c.Media.Mime)
	default:
		return storage.MessageTypeText
	}
}

// Content returns what goes into the message's content column.
func (c Classified) Content() string {
	switch c.Kind {
	case KindEmoji:
		return c.Emoji
	case KindMedia:
		if c.Media != nil {
			return c.Media.Filename
		}
		return ""
	default:
		return c.Text
	}
}
