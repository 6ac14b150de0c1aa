package ws

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/calls"
	"github.com/lalith-99/huddle/internal/conversation"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
)

type handlerFunc func(c *client, ctx context.Context, data json.RawMessage) (any, error)

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		InJoinRoom:            (*client).joinRoom,
		InLeaveRoom:           (*client).leaveRoom,
		InSendMessage:         (*client).sendMessage,
		InMessageDelivered:    (*client).messageDelivered,
		InMarkRead:            (*client).markRead,
		InTyping:              (*client).typing,
		InStopTyping:          (*client).stopTyping,
		InEditMessage:         (*client).editMessage,
		InDeleteMessage:       (*client).deleteMessage,
		InForwardMessage:      (*client).forwardMessage,
		InFetchMessages:       (*client).fetchMessages,
		InFetchSince:          (*client).fetchSince,
		InStartDirect:         (*client).startDirect,
		InGroupCreate:         (*client).groupCreate,
		InGroupAddMembers:     (*client).groupAddMembers,
		InGroupRemoveMembers:  (*client).groupRemoveMembers,
		InGroupRename:         (*client).groupRename,
		InGroupSetDescription: (*client).groupSetDescription,
		InGroupSetIcon:        (*client).groupSetIcon,
		InGroupMakeAdmin:      (*client).groupMakeAdmin,
		InGroupDemoteAdmin:    (*client).groupDemoteAdmin,
		InGroupLeave:          (*client).groupLeave,
		InGroupDelete:         (*client).groupDelete,
		InConversationMute:    (*client).conversationMute,
		InConversationHide:    (*client).conversationHide,
		InSubscribePresence:   (*client).subscribePresence,
		InUnsubscribePresence: (*client).unsubscribePresence,
		InCancelUpload:        (*client).cancelUpload,
		InCallRing:            (*client).callRing,
		InCallAccepted:        (*client).callAccepted,
		InCallDeclined:        (*client).callDeclined,
		InCallEnd:             (*client).callEnd,
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.New(apperr.InvalidRequest, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.InvalidRequest, err, "malformed data")
	}
	return nil
}

func (c *client) handle(env Envelope) (any, error) {
	switch env.Event {
	case InPing:
		c.gw.Hub.SendTo(c.session, realtime.NewEvent(realtime.EventPong, nil))
		return nil, nil
	case InRegister:
		return c.register(env.Data)
	}

	if !c.session.Registered() {
		return nil, apperr.New(apperr.NotAuthenticated, "register first")
	}
	h, ok := handlers[env.Event]
	if !ok {
		return nil, apperr.Newf(apperr.InvalidRequest, "unknown event %q", env.Event)
	}

	ctx, cancel := context.WithTimeout(c.gw.ctx, requestTimeout)
	defer cancel()
	data, err := h(c, ctx, env.Data)
	if err != nil && apperr.KindOf(err) == apperr.Transient {
		c.gw.logger.Error("event failed", zap.String("event", env.Event), zap.String("user_id", c.userID), zap.Error(err))
	}
	return data, err
}

// register binds the socket to the user topic. The claimed id must be the
// token's subject.
func (c *client) register(data json.RawMessage) (any, error) {
	var p registerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if models.NormalizeUserID(p.UserID) != c.userID {
		return nil, apperr.New(apperr.NotAuthenticated, "user_id does not match the session token")
	}
	c.gw.Hub.Register(c.session)
	return gin.H{"session_id": c.session.ID, "user_id": c.userID}, nil
}

func (c *client) joinRoom(ctx context.Context, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if _, err := c.gw.Registry.AccessCheck(ctx, c.userID, p.ConversationID, identity.ActionRead); err != nil {
		return nil, err
	}
	c.gw.Hub.Join(c.session, p.ConversationID)
	return gin.H{"conversation_id": p.ConversationID}, nil
}

func (c *client) leaveRoom(_ context.Context, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	c.gw.Typing.Stop(p.ConversationID, c.userID)
	c.gw.Hub.Leave(c.session, p.ConversationID)
	return gin.H{"conversation_id": p.ConversationID}, nil
}

// sendMessage runs phase B of a send. The caller always hears back on its
// own session: message_ack with the canonical id, or send_failed with the
// temp id so the optimistic bubble can be marked.
func (c *client) sendMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var p sendPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	res, err := c.send(ctx, p)
	if err != nil {
		c.gw.Hub.SendTo(c.session, realtime.NewEvent(realtime.EventSendFailed, realtime.SendFailed{
			TempID:         p.TempID,
			ConversationID: p.ConversationID,
			Kind:           string(apperr.KindOf(err)),
			Error:          apperr.MessageOf(err),
		}))
		return nil, err
	}
	c.gw.Hub.SendTo(c.session, realtime.NewEvent(realtime.EventMessageAck, res.Reconciled))
	return res.Reconciled, nil
}

func (c *client) send(ctx context.Context, p sendPayload) (*messaging.SendResult, error) {
	if p.SenderID != "" && models.NormalizeUserID(p.SenderID) != c.userID {
		return nil, apperr.New(apperr.Forbidden, "sender_id does not match the session")
	}
	req := messaging.SendRequest{
		ConversationID: p.ConversationID,
		SenderID:       c.userID,
		Kind:           models.MessageKind(p.MessageType),
		Text:           p.MessageText,
		TempID:         p.TempID,
		ReplyTo:        p.ReplyTo,
	}
	if p.MediaID != "" {
		desc, kind, err := c.gw.Media.Attachable(ctx, c.userID, p.ConversationID, p.MediaID)
		if err != nil {
			return nil, err
		}
		// The blob's detected MIME decides the kind; a client label
		// could contradict it.
		req.Media = desc
		req.Kind = kind
	}
	res, err := c.gw.Messages.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	c.gw.Typing.Stop(p.ConversationID, c.userID)
	return res, nil
}

func (c *client) messageDelivered(ctx context.Context, data json.RawMessage) (any, error) {
	var p receiptPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Messages.MarkDelivered(ctx, c.userID, p.ConversationID, p.MessageIDs)
}

func (c *client) markRead(ctx context.Context, data json.RawMessage) (any, error) {
	var p receiptPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Messages.MarkRead(ctx, c.userID, p.ConversationID, p.MessageIDs)
}

func (c *client) typing(_ context.Context, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if !c.gw.Hub.Joined(c.session, p.ConversationID) {
		return nil, apperr.New(apperr.Forbidden, "join the conversation first")
	}
	c.gw.Typing.Start(p.ConversationID, c.userID)
	return nil, nil
}

func (c *client) stopTyping(_ context.Context, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	c.gw.Typing.Stop(p.ConversationID, c.userID)
	return nil, nil
}

func (c *client) editMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var p editPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Messages.Edit(ctx, c.userID, p.MessageID, p.NewText)
}

func (c *client) deleteMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var p messageRefPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Messages.Delete(ctx, c.userID, p.MessageID)
}

func (c *client) forwardMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var p forwardPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	res, err := c.gw.Messages.Forward(ctx, c.userID, p.MessageID, p.TargetConversationID, p.TempID)
	if err != nil {
		return nil, err
	}
	return res.Reconciled, nil
}

func (c *client) fetchMessages(ctx context.Context, data json.RawMessage) (any, error) {
	var p fetchPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Messages.Fetch(ctx, messaging.FetchRequest{
		ConversationID: p.ConversationID,
		Actor:          c.userID,
		BeforeSeq:      p.BeforeSeq,
		BeforeTime:     p.Before,
		Limit:          p.Limit,
	})
}

func (c *client) fetchSince(ctx context.Context, data json.RawMessage) (any, error) {
	var p fetchSincePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Messages.FetchSince(ctx, c.userID, p.ConversationID, p.AfterSeq, p.Limit)
}

func (c *client) startDirect(ctx context.Context, data json.RawMessage) (any, error) {
	var p directPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	conv, created, err := c.gw.Conversations.StartDirect(ctx, c.userID, p.TargetID)
	if err != nil {
		return nil, err
	}
	return gin.H{"conversation": conv, "created": created}, nil
}

func (c *client) groupCreate(ctx context.Context, data json.RawMessage) (any, error) {
	var p groupCreatePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Conversations.CreateGroup(ctx, conversation.CreateGroupRequest{
		Creator:     c.userID,
		Name:        p.Name,
		Description: p.Description,
		Members:     p.Members,
	})
}

func (c *client) groupAddMembers(ctx context.Context, data json.RawMessage) (any, error) {
	var p membersPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	conv, added, err := c.gw.Conversations.AddMembers(ctx, c.userID, p.ConversationID, p.ids())
	if err != nil {
		return nil, err
	}
	return gin.H{"conversation": conv, "added": added}, nil
}

func (c *client) groupRemoveMembers(ctx context.Context, data json.RawMessage) (any, error) {
	var p membersPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	conv, removed, err := c.gw.Conversations.RemoveMembers(ctx, c.userID, p.ConversationID, p.ids())
	if err != nil {
		return nil, err
	}
	return gin.H{"conversation": conv, "removed": removed}, nil
}

func (c *client) groupRename(ctx context.Context, data json.RawMessage) (any, error) {
	var p renamePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Conversations.UpdateDetails(ctx, c.userID, p.ConversationID, conversation.DetailsUpdate{Name: &p.Name})
}

func (c *client) groupSetDescription(ctx context.Context, data json.RawMessage) (any, error) {
	var p descriptionPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Conversations.UpdateDetails(ctx, c.userID, p.ConversationID, conversation.DetailsUpdate{Description: &p.Description})
}

func (c *client) groupSetIcon(ctx context.Context, data json.RawMessage) (any, error) {
	var p iconPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Conversations.UpdateDetails(ctx, c.userID, p.ConversationID, conversation.DetailsUpdate{IconMediaID: &p.MediaID})
}

func (c *client) groupMakeAdmin(ctx context.Context, data json.RawMessage) (any, error) {
	var p memberPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Conversations.MakeAdmin(ctx, c.userID, p.ConversationID, p.UserID)
}

func (c *client) groupDemoteAdmin(ctx context.Context, data json.RawMessage) (any, error) {
	var p memberPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Conversations.DemoteAdmin(ctx, c.userID, p.ConversationID, p.UserID)
}

func (c *client) groupLeave(ctx context.Context, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if _, err := c.gw.Conversations.Leave(ctx, c.userID, p.ConversationID); err != nil {
		return nil, err
	}
	return gin.H{"conversation_id": p.ConversationID}, nil
}

func (c *client) groupDelete(ctx context.Context, data json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := c.gw.Conversations.DeleteGroup(ctx, c.userID, p.ConversationID); err != nil {
		return nil, err
	}
	return gin.H{"conversation_id": p.ConversationID}, nil
}

func (c *client) conversationMute(ctx context.Context, data json.RawMessage) (any, error) {
	var p flagPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	muted := p.Muted == nil || *p.Muted
	return c.gw.Conversations.Mute(ctx, c.userID, p.ConversationID, muted)
}

func (c *client) conversationHide(ctx context.Context, data json.RawMessage) (any, error) {
	var p flagPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	hidden := p.Hidden == nil || *p.Hidden
	return c.gw.Conversations.SetHidden(ctx, c.userID, p.ConversationID, hidden)
}

func (c *client) subscribePresence(ctx context.Context, data json.RawMessage) (any, error) {
	var p presencePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Presence.Subscribe(ctx, c.session, p.UserIDs), nil
}

func (c *client) unsubscribePresence(_ context.Context, data json.RawMessage) (any, error) {
	var p presencePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	c.gw.Presence.Unsubscribe(c.session, p.UserIDs)
	return nil, nil
}

func (c *client) cancelUpload(_ context.Context, data json.RawMessage) (any, error) {
	var p cancelUploadPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if !c.gw.Media.Cancel(c.userID, p.TempID) {
		return nil, apperr.Newf(apperr.NotFound, "no upload in progress for %s", p.TempID)
	}
	return gin.H{"temp_id": p.TempID}, nil
}

func (c *client) callRing(ctx context.Context, data json.RawMessage) (any, error) {
	var p callRingPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Calls.Create(ctx, calls.CreateRequest{
		AdminID:      c.userID,
		Title:        p.Title,
		MeetURL:      p.MeetURL,
		Participants: p.Participants,
	})
}

func (c *client) callAccepted(ctx context.Context, data json.RawMessage) (any, error) {
	var p callRefPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Calls.Accept(ctx, p.CallID, c.userID)
}

func (c *client) callDeclined(ctx context.Context, data json.RawMessage) (any, error) {
	var p callRefPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Calls.Decline(ctx, p.CallID, c.userID)
}

func (c *client) callEnd(ctx context.Context, data json.RawMessage) (any, error) {
	var p callRefPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return c.gw.Calls.End(ctx, p.CallID, c.userID)
}
