package messaging

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
)

func (s *Service) load(ctx context.Context, messageID int64) (*models.Message, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not load message")
	}
	if m == nil {
		return nil, apperr.Newf(apperr.NotFound, "message %d not found", messageID)
	}
	return m, nil
}

// lockMessage takes the lock of the message's conversation and reloads the
// message under it.
func (s *Service) lockMessage(ctx context.Context, messageID int64) (*models.Message, func(), error) {
	m, err := s.load(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.Lock(m.ConversationID)
	m, err = s.load(ctx, messageID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return m, unlock, nil
}

// Edit rewrites the body of a text message its author sent recently.
func (s *Service) Edit(ctx context.Context, actor string, messageID int64, newText string) (*models.Message, error) {
	actor = models.NormalizeUserID(actor)
	if strings.TrimSpace(newText) == "" {
		return nil, apperr.New(apperr.InvalidRequest, "new_text is required")
	}
	if len([]rune(newText)) > maxTextLength {
		return nil, apperr.Newf(apperr.InvalidRequest, "new_text exceeds %d characters", maxTextLength)
	}

	m, unlock, err := s.lockMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.registry.AccessCheck(ctx, actor, m.ConversationID, identity.ActionRead)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AllowOwnMessage(conv, actor, m, identity.ActionEditOwn); err != nil {
		return nil, err
	}
	if m.IsDeleted() {
		return nil, apperr.New(apperr.Conflict, "message was deleted")
	}
	if m.Kind != models.MessageText {
		return nil, apperr.New(apperr.InvalidRequest, "only text messages can be edited")
	}

	editedAt := s.now()
	if err := s.messages.UpdateText(ctx, messageID, newText, editedAt); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not edit message")
	}
	m.Text = newText
	m.EditedAt = &editedAt

	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventMessageEdited, realtime.MessageEdited{
		MessageID:      m.ID,
		ConversationID: conv.ID,
		NewText:        newText,
		EditedAt:       editedAt,
	}))
	s.logger.Info("message edited", zap.Int64("message_id", m.ID), zap.String("actor", actor))
	return s.decorate(ctx, m), nil
}

// Delete tombstones a message. The row stays so ordering and reply
// previews keep resolving.
func (s *Service) Delete(ctx context.Context, actor string, messageID int64) (*models.Message, error) {
	actor = models.NormalizeUserID(actor)

	m, unlock, err := s.lockMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.registry.AccessCheck(ctx, actor, m.ConversationID, identity.ActionRead)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AllowOwnMessage(conv, actor, m, identity.ActionDeleteOwn); err != nil {
		return nil, err
	}
	if m.IsDeleted() {
		return nil, apperr.New(apperr.Conflict, "message was already deleted")
	}

	deletedAt := s.now()
	if err := s.messages.MarkDeleted(ctx, messageID, deletedAt); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not delete message")
	}
	m.Text = models.TombstoneText
	m.DeletedAt = &deletedAt

	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventMessageDeleted, realtime.MessageDeleted{
		MessageID:      m.ID,
		ConversationID: conv.ID,
	}))
	s.logger.Info("message deleted", zap.Int64("message_id", m.ID), zap.String("actor", actor))
	return s.decorate(ctx, m), nil
}

// Forward sends a copy of a message into another conversation the actor
// belongs to. Media is shared by a new blob record pointing at the same
// stored bytes, so every blob still belongs to exactly one message.
func (s *Service) Forward(ctx context.Context, actor string, messageID int64, targetConversationID, tempID string) (*SendResult, error) {
	actor = models.NormalizeUserID(actor)

	src, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.AccessCheck(ctx, actor, src.ConversationID, identity.ActionRead); err != nil {
		return nil, err
	}
	if src.IsSystem() {
		return nil, apperr.New(apperr.InvalidRequest, "system messages cannot be forwarded")
	}
	if src.IsDeleted() {
		return nil, apperr.New(apperr.Conflict, "message was deleted")
	}

	req := SendRequest{
		ConversationID: targetConversationID,
		SenderID:       actor,
		Kind:           src.Kind,
		Text:           src.Text,
		TempID:         tempID,
		ForwardedFrom:  &src.ID,
	}

	var copied *models.MediaBlob
	if src.Media != nil {
		// Check membership before creating the blob copy.
		if _, err := s.registry.AccessCheck(ctx, actor, targetConversationID, identity.ActionSend); err != nil {
			return nil, err
		}
		blob, err := s.media.GetByID(ctx, src.Media.MediaID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "could not load media")
		}
		if blob == nil {
			return nil, apperr.Newf(apperr.NotFound, "media %s not found", src.Media.MediaID)
		}
		copied = &models.MediaBlob{
			ID:             uuid.NewString(),
			ConversationID: targetConversationID,
			UploaderID:     actor,
			FileName:       blob.FileName,
			MimeType:       blob.MimeType,
			Size:           blob.Size,
			StorageKey:     blob.StorageKey,
			CreatedAt:      s.now(),
		}
		if err := s.media.Create(ctx, copied); err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "could not copy media")
		}
		req.Media = copied.Descriptor()
	}

	res, err := s.Send(ctx, req)
	if err != nil {
		if copied != nil {
			if derr := s.media.Delete(ctx, copied.ID); derr != nil {
				s.logger.Warn("remove forwarded media copy", zap.String("media_id", copied.ID), zap.Error(derr))
			}
		}
		return nil, err
	}
	if copied != nil && res.Duplicate {
		// The retried forward already carries the first copy.
		if derr := s.media.Delete(ctx, copied.ID); derr != nil {
			s.logger.Warn("remove duplicate forwarded media", zap.String("media_id", copied.ID), zap.Error(derr))
		}
	}
	return res, nil
}
