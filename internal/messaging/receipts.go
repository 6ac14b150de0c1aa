package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
)

// MarkDelivered records that userID's client received messageIDs.
func (s *Service) MarkDelivered(ctx context.Context, userID, conversationID string, messageIDs []int64) ([]models.StatusChange, error) {
	userID = models.NormalizeUserID(userID)

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	if _, err := s.registry.AccessCheck(ctx, userID, conversationID, identity.ActionRead); err != nil {
		return nil, err
	}
	ids, _, err := s.receivable(ctx, userID, conversationID, messageIDs)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, userID, ids, models.StatusDelivered)
}

// MarkRead records that userID has seen messageIDs. An empty list means
// everything in the conversation up to now. Read implies delivered, so the
// sender observes delivered before read.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string, messageIDs []int64) ([]models.StatusChange, error) {
	userID = models.NormalizeUserID(userID)

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.registry.AccessCheck(ctx, userID, conversationID, identity.ActionRead)
	if err != nil {
		return nil, err
	}

	if len(messageIDs) == 0 {
		messageIDs, err = s.unreadIDs(ctx, userID, conv)
		if err != nil {
			return nil, err
		}
	}
	ids, maxSeq, err := s.receivable(ctx, userID, conversationID, messageIDs)
	if err != nil {
		return nil, err
	}

	delivered, err := s.advance(ctx, userID, ids, models.StatusDelivered)
	if err != nil {
		return nil, err
	}
	read, err := s.advance(ctx, userID, ids, models.StatusRead)
	if err != nil {
		return nil, err
	}

	if maxSeq > 0 {
		flags, err := s.convs.MarkReadUpTo(ctx, conversationID, userID, maxSeq)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "could not update read marker")
		}
		s.hub.PublishUser(userID, realtime.NewEvent(realtime.EventConversationFlags, flags))
	}
	if len(ids) > 0 {
		s.hub.PublishConversation(conversationID, conv.MemberIDs(), realtime.NewEvent(realtime.EventMessagesRead, realtime.MessagesRead{
			ConversationID: conversationID,
			UserID:         userID,
			MessageIDs:     ids,
		}))
	}
	return append(delivered, read...), nil
}

// receivable keeps the ids that belong to the conversation and that userID
// can hold a receipt for: not their own and not system messages.
func (s *Service) receivable(ctx context.Context, userID, conversationID string, messageIDs []int64) ([]int64, int64, error) {
	ids := make([]int64, 0, len(messageIDs))
	var maxSeq int64
	seen := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		m, err := s.messages.GetByID(ctx, id)
		if err != nil {
			return nil, 0, apperr.Wrap(apperr.Transient, err, "could not load message")
		}
		if m == nil || m.ConversationID != conversationID {
			continue
		}
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
		if m.SenderID == userID || m.IsSystem() {
			continue
		}
		ids = append(ids, id)
	}
	return ids, maxSeq, nil
}

func (s *Service) unreadIDs(ctx context.Context, userID string, conv *models.Conversation) ([]int64, error) {
	flags, err := s.convs.GetFlags(ctx, conv.ID, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not load flags")
	}
	ids := make([]int64, 0)
	after := flags.LastReadSeq
	for {
		batch, err := s.messages.ListAfter(ctx, conv.ID, after, s.maxPageLimit)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "could not load messages")
		}
		for _, m := range batch {
			ids = append(ids, m.ID)
			after = m.Seq
		}
		if len(batch) < s.maxPageLimit {
			return ids, nil
		}
	}
}

// advance moves receipts and tells each sender about aggregate changes on
// their private topic.
func (s *Service) advance(ctx context.Context, userID string, ids []int64, status models.MessageStatus) ([]models.StatusChange, error) {
	if len(ids) == 0 {
		return []models.StatusChange{}, nil
	}
	changes, err := s.messages.AdvanceReceipts(ctx, userID, ids, status)
	if err != nil {
		s.logger.Error("advance receipts", zap.String("user_id", userID), zap.String("status", string(status)), zap.Error(err))
		return nil, apperr.Wrap(apperr.Transient, err, "could not update receipts")
	}
	for _, c := range changes {
		s.hub.PublishUser(c.SenderID, realtime.NewEvent(realtime.EventMessageStatusUpdate, realtime.StatusUpdate{
			MessageID:      c.MessageID,
			ConversationID: c.ConversationID,
			Status:         c.Status,
		}))
	}
	return changes, nil
}

// Receipts lists per-recipient statuses of a message. Only its sender may
// look.
func (s *Service) Receipts(ctx context.Context, actor string, messageID int64) ([]models.Receipt, error) {
	actor = models.NormalizeUserID(actor)
	m, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != actor {
		return nil, apperr.New(apperr.Forbidden, "only the sender can see receipts")
	}
	rs, err := s.messages.Receipts(ctx, messageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not load receipts")
	}
	return rs, nil
}
