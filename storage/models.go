package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType classifies the content of a message.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "TEXT"
	// MessageTypeImage is an image media message.
	MessageTypeImage MessageType = "IMAGE"
	// MessageTypeVideo is a video media message.
	MessageTypeVideo MessageType = "VIDEO"
	// MessageTypeDocument is a generic document media message.
	MessageTypeDocument MessageType = "DOCUMENT"
	// MessageTypeEmoji is a single large-emoji message.
	MessageTypeEmoji MessageType = "EMOJI"
)

// MediaTypeForMime refines a media message's type by its mime class. Every
// path that turns a MediaDescriptor into a Message must go through this so
// outbound and inbound rows agree on the type for the same file.
func MediaTypeForMime(mime string) MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(mime, "video/"):
		return MessageTypeVideo
	default:
		return MessageTypeDocument
	}
}

// MessageStatus represents the delivery state of a message. Values are
// ordered; a message's status only ever advances to a larger value.
type MessageStatus int

const (
	// StatusPending means the message is waiting to be sent.
	StatusPending MessageStatus = iota
	// StatusSent means the message has been accepted by the server.
	StatusSent
	// StatusDelivered means the message has reached the recipient.
	StatusDelivered
	// StatusRead means the recipient has read the message.
	StatusRead
)

// String returns a human-readable status name for logging.
func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	default:
		return fmt.Sprintf("MessageStatus(%d)", int(s))
	}
}

// ReplyRef references the message another message replies to.
type ReplyRef struct {
	MessageID string
	Content   string
	SenderID  int64
}

// MediaDescriptor carries everything a viewer needs to fetch and decrypt a
// media object: the server-assigned id, the server-issued key material, and
// the two viewer-enforced policy flags. The transport propagates the flags
// untouched; it never enforces them.
type MediaDescriptor struct {
	MediaID          string `json:"mediaId"`
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
	Filename         string `json:"filename"`
	Mime             string `json:"mime"`
	Size             int64  `json:"size"`
	Salvable         bool   `json:"salvable"`
	SenderAutoDelete bool   `json:"senderAutoDelete"`
}

// Message is one chat message, inbound or outbound.
type Message struct {
	ID             string
	SenderID       int64
	RecipientID    int64 // 0 for group messages
	ConversationID string
	Type           MessageType
	Content        string
	Status         MessageStatus
	Timestamp      time.Time
	ReplyTo        *ReplyRef
	Media          *MediaDescriptor
	ThumbnailPath  string
}

// Conversation aggregates the messages exchanged with one peer or group.
type Conversation struct {
	ID                  string
	ParticipantID       int64
	ParticipantName     string
	ParticipantUsername string
	LastMessage         string
	LastMessageTime     time.Time
	UnreadCount         int
}

// DirectConversationID derives the conversation id for a one-to-one chat from
// the sorted pair of participant ids, so both participants compute the same id
// independently.
func DirectConversationID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("conv_%d_%d", a, b)
}

// GroupConversationID derives the conversation id for a group chat from the
// group id.
func GroupConversationID(groupID int64) string {
	return "group_" + strconv.FormatInt(groupID, 10)
}

// Preview returns the conversation-list preview string for a message.
func (m *Message) Preview() string {
	switch m.Type {
	case MessageTypeImage:
		return "\U0001F4F7 Photo"
	case MessageTypeVideo:
		return "\U0001F3A5 Video"
	case MessageTypeDocument:
		if m.Media != nil && m.Media.Filename != "" {
			return "\U0001F4CE " + m.Media.Filename
		}
		return "\U0001F4CE Document"
	default:
		return m.Content
	}
}
