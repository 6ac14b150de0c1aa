package ws

import (
	"encoding/json"
	"time"

	"github.com/lalith-99/huddle/internal/apperr"
)

// Inbound event names.
const (
	InRegister            = "register"
	InJoinRoom            = "join_room"
	InLeaveRoom           = "leave_room"
	InSendMessage         = "send_message"
	InMessageDelivered    = "message_delivered"
	InMarkRead            = "mark_read"
	InTyping              = "typing"
	InStopTyping          = "stop_typing"
	InEditMessage         = "edit_message"
	InDeleteMessage       = "delete_message"
	InForwardMessage      = "forward_message"
	InFetchMessages       = "fetch_messages"
	InFetchSince          = "fetch_since"
	InStartDirect         = "start_direct"
	InGroupCreate         = "group_create"
	InGroupAddMembers     = "group_add_members"
	InGroupRemoveMembers  = "group_remove_members"
	InGroupRename         = "group_rename"
	InGroupSetDescription = "group_set_description"
	InGroupSetIcon        = "group_set_icon"
	InGroupMakeAdmin      = "group_make_admin"
	InGroupDemoteAdmin    = "group_demote_admin"
	InGroupLeave          = "group_leave"
	InGroupDelete         = "group_delete"
	InConversationMute    = "conversation_mute"
	InConversationHide    = "conversation_hide"
	InSubscribePresence   = "subscribe_presence"
	InUnsubscribePresence = "unsubscribe_presence"
	InCancelUpload        = "cancel_upload"
	InCallRing            = "call:ring"
	InCallAccepted        = "call:accepted"
	InCallDeclined        = "call:declined"
	InCallEnd             = "call:end"
	InPing                = "ping"
)

// Envelope is one inbound frame. AckID is optional; when present the
// server answers with exactly one ack carrying the same id.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
}

type Ack struct {
	AckID string     `json:"ack_id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Event   string      `json:"event,omitempty"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func errorBody(event string, err error) *ErrorBody {
	return &ErrorBody{Event: event, Kind: apperr.KindOf(err), Message: apperr.MessageOf(err)}
}

type registerPayload struct {
	UserID string `json:"user_id"`
}

type roomPayload struct {
	ConversationID string `json:"conversation_id"`
}

type sendPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	MessageType    string `json:"message_type"`
	MessageText    string `json:"message_text"`
	ReplyTo        *int64 `json:"reply_to"`
	TempID         string `json:"temp_id"`
	MediaID        string `json:"media_id"`
}

type receiptPayload struct {
	ConversationID string  `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
}

type editPayload struct {
	MessageID int64  `json:"message_id"`
	NewText   string `json:"new_text"`
}

type messageRefPayload struct {
	MessageID int64 `json:"message_id"`
}

type forwardPayload struct {
	MessageID            int64  `json:"message_id"`
	TargetConversationID string `json:"target_conversation_id"`
	TempID               string `json:"temp_id"`
}

type fetchPayload struct {
	ConversationID string    `json:"conversation_id"`
	BeforeSeq      int64     `json:"before_seq"`
	Before         time.Time `json:"before"`
	Limit          int       `json:"limit"`
}

type fetchSincePayload struct {
	ConversationID string `json:"conversation_id"`
	AfterSeq       int64  `json:"after_seq"`
	Limit          int    `json:"limit"`
}

type directPayload struct {
	TargetID string `json:"target_id"`
}

type groupCreatePayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

type membersPayload struct {
	ConversationID string   `json:"conversation_id"`
	Members        []string `json:"members"`
	UserIDs        []string `json:"user_ids"`
}

func (p membersPayload) ids() []string {
	return append(append([]string{}, p.Members...), p.UserIDs...)
}

type renamePayload struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
}

type descriptionPayload struct {
	ConversationID string `json:"conversation_id"`
	Description    string `json:"description"`
}

type iconPayload struct {
	ConversationID string `json:"conversation_id"`
	MediaID        string `json:"media_id"`
}

type memberPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type flagPayload struct {
	ConversationID string `json:"conversation_id"`
	Muted          *bool  `json:"muted"`
	Hidden         *bool  `json:"hidden"`
}

type presencePayload struct {
	UserIDs []string `json:"user_ids"`
}

type cancelUploadPayload struct {
	TempID string `json:"temp_id"`
}

type callRingPayload struct {
	Title        string   `json:"title"`
	MeetURL      string   `json:"meet_url"`
	Participants []string `json:"participants"`
}

type callRefPayload struct {
	CallID string `json:"call_id"`
}
