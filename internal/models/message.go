package models

import (
	"fmt"
	"strings"
	"time"
)

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageVideo  MessageKind = "video"
	MessageAudio  MessageKind = "audio"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile, MessageSystem:
		return true
	}
	return false
}

func (k MessageKind) IsMedia() bool {
	switch k {
	case MessageImage, MessageVideo, MessageAudio, MessageFile:
		return true
	}
	return false
}

// MediaKindFor maps a MIME type onto the message kind used to render it.
func MediaKindFor(mime string) MessageKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MessageImage
	case strings.HasPrefix(mime, "video/"):
		return MessageVideo
	case strings.HasPrefix(mime, "audio/"):
		return MessageAudio
	default:
		return MessageFile
	}
}

// MessageStatus only ever moves forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool { return s.Rank() > 0 }

// Advance returns the later of s and next.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// MinStatus is the aggregate a sender sees for a message in a group: the
// least advanced status across recipients. No recipients means read.
func MinStatus(statuses []MessageStatus) MessageStatus {
	if len(statuses) == 0 {
		return StatusRead
	}
	lowest := StatusRead
	for _, s := range statuses {
		if s.Rank() < lowest.Rank() {
			lowest = s
		}
	}
	return lowest
}

const (
	// SystemSender is the reserved sender id of server-authored messages.
	SystemSender = "system"
	// TempIDPrefix marks client-assigned ids that exist only until the
	// server acknowledges a send.
	TempIDPrefix = "tmp_"
	// TombstoneText replaces the body of a deleted message.
	TombstoneText = "This message was deleted"
	// DeletedPreview is what reply previews show for a tombstoned target.
	DeletedPreview = "[deleted]"
)

type MediaDescriptor struct {
	MediaID  string `json:"media_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// ReplyPreview is the quoted snippet rendered above a reply.
type ReplyPreview struct {
	MessageID  int64  `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	Deleted    bool   `json:"deleted"`
}

// Message is a persisted message. Seq is the per-conversation sequence
// assigned at append time and defines the total order inside a
// conversation.
type Message struct {
	ID             int64            `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	Seq            int64            `json:"seq"`
	SenderID       string           `json:"sender_id"`
	SenderName     string           `json:"sender_name,omitempty"`
	Kind           MessageKind      `json:"message_type"`
	Text           string           `json:"message_text,omitempty"`
	Media          *MediaDescriptor `json:"media,omitempty"`
	ReplyTo        *int64           `json:"reply_to,omitempty"`
	ReplyPreview   *ReplyPreview    `json:"reply_preview,omitempty"`
	ForwardedFrom  *int64           `json:"forwarded_from,omitempty"`
	Status         MessageStatus    `json:"status"`
	CreatedAt      time.Time        `json:"created_on"`
	EditedAt       *time.Time       `json:"edited_at,omitempty"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`

	// TempID is echoed on fan-out so the sender can reconcile its
	// optimistic bubble. It is never persisted.
	TempID string `json:"temp_id,omitempty"`
}

func (m *Message) IsSystem() bool { return m.Kind == MessageSystem }
func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }

// Before reports whether m sorts before o in conversation order: creation
// time, tie-broken by id.
func (m *Message) Before(o *Message) bool {
	if m.Seq != 0 && o.Seq != 0 {
		return m.Seq < o.Seq
	}
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Preview is the short text used for conversation summaries and reply
// quotes.
func (m *Message) Preview() string {
	if m.IsDeleted() {
		return DeletedPreview
	}
	if m.Text != "" {
		return truncate(m.Text, 120)
	}
	if m.Media != nil {
		return fmt.Sprintf("[%s] %s", m.Kind, m.Media.FileName)
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Receipt is one recipient's status for one message.
type Receipt struct {
	MessageID int64         `json:"message_id"`
	UserID    string        `json:"user_id"`
	Status    MessageStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusChange reports a message whose aggregate status advanced.
type StatusChange struct {
	MessageID      int64         `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Status         MessageStatus `json:"status"`
}

// MessageRef names a message from the client's point of view: either a
// pending temporary id or a canonical server id, never both.
type MessageRef struct {
	tempID    string
	messageID int64
}

func Pending(tempID string) MessageRef { return MessageRef{tempID: tempID} }
func Canonical(id int64) MessageRef { return MessageRef{messageID: id} }
func (r MessageRef) IsPending() bool { return r.tempID != "" && r.messageID == 0 }
func (r MessageRef) IsCanonical() bool { return r.messageID != 0 }
func (r MessageRef) TempID() string { return r.tempID }
func (r MessageRef) MessageID() int64 { return r.messageID }
func (r MessageRef) IsZero() bool { return r.tempID == "" && r.messageID == 0 }

// Key is the client-side dedup key.
func (r MessageRef) Key() string {
	if r.IsCanonical() {
		return fmt.Sprintf("m:%d", r.messageID)
	}
	return "t:" + r.tempID
}

// Reconcile turns a pending ref into its canonical form and reports the
// single Reconciled event a client applies.
func (r MessageRef) Reconcile(messageID int64, status MessageStatus) (MessageRef, Reconciled) {
	return Canonical(messageID), Reconciled{TempID: r.tempID, MessageID: messageID, Status: status}
}

// Reconciled maps a client's temporary id to the canonical id.
type Reconciled struct {
	TempID    string        `json:"temp_id"`
	MessageID int64         `json:"message_id"`
	Status    MessageStatus `json:"status"`
}

// ValidTempID reports whether id carries the temporary-id prefix.
func ValidTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix) && len(id) > len(TempIDPrefix) && len(id) <= 128
}
