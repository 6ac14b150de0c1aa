// Package realtime fans events out to connected sessions. Each session
// belongs to one user, may join conversation topics, and is always reachable
// through its private user topic once registered.
package realtime

import (
	"time"

	"github.com/lalith-99/huddle/internal/models"
)

// Event names sent to clients.
const (
	EventNewMessage           = "new_message"
	EventMessageAck           = "message_ack"
	EventSendFailed           = "send_failed"
	EventMessageStatusUpdate  = "message_status_update"
	EventMessagesRead         = "messages_read"
	EventMessageEdited        = "message_edited"
	EventMessageDeleted       = "message_deleted"
	EventTyping               = "typing"
	EventStopTyping           = "stop_typing"
	EventGroupMembersAdded    = "group_members_added"
	EventGroupMembersRemoved  = "group_members_removed"
	EventGroupUpdated         = "group_updated"
	EventGroupDeleted         = "group_deleted"
	EventAdminDemoted         = "admin_demoted"
	EventUserRemovedFromGroup = "user_removed_from_group"
	EventConversationCreated  = "conversation_created"
	EventConversationFlags    = "conversation_flags"
	EventGroupSystemMessage   = "group_system_message"
	EventUserPresence         = "user_presence"
	EventUploadProgress       = "upload_progress"
	EventUploadCancelled      = "upload_cancelled"
	EventCallRing             = "call:ring"
	EventCallParticipant      = "call:participant-update"
	EventCallEnded            = "call:ended"
	EventAck                  = "ack"
	EventError                = "error"
	EventPong                 = "pong"
)

// Event is the wire envelope for everything the server pushes.
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data,omitempty"`
}

func NewEvent(name string, data any) Event {
	return Event{Type: name, Data: data}
}

type SendFailed struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Error          string `json:"error"`
}

type StatusUpdate struct {
	MessageID      int64                `json:"message_id"`
	ConversationID string               `json:"conversation_id"`
	Status         models.MessageStatus `json:"status"`
}

type MessagesRead struct {
	ConversationID string  `json:"conversation_id"`
	UserID         string  `json:"user_id"`
	MessageIDs     []int64 `json:"message_ids"`
}

type MessageEdited struct {
	MessageID      int64     `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	NewText        string    `json:"new_text"`
	EditedAt       time.Time `json:"edited_at"`
}

type MessageDeleted struct {
	MessageID      int64  `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type Typing struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
}

// MembershipChange backs group_members_added, group_members_removed and
// group_system_message.
type MembershipChange struct {
	ConversationID string   `json:"conversation_id"`
	Actor          string   `json:"actor"`
	Text           string   `json:"text"`
	Added          []string `json:"added,omitempty"`
	Removed        []string `json:"removed,omitempty"`
}

type GroupUpdated struct {
	ConversationID string `json:"conversation_id"`
	Actor          string `json:"actor"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	IconMediaID    string `json:"icon_media_id"`
}

type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

type PresenceState struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type UploadProgress struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	Percent        int    `json:"percent"`
}

type UploadCancelled struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}
