package messaging

import (
	"context"
	"time"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

type FetchRequest struct {
	ConversationID string
	Actor          string
	// Before pages backwards. Zero values start from the newest message.
	BeforeTime time.Time
	BeforeSeq  int64
	Limit      int
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.pageLimit
	}
	if limit > s.maxPageLimit {
		return s.maxPageLimit
	}
	return limit
}

// Fetch returns messages older than the cursor, newest first.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) ([]models.Message, error) {
	if _, err := s.registry.AccessCheck(ctx, req.Actor, req.ConversationID, identity.ActionRead); err != nil {
		return []models.Message{}, err
	}
	msgs, err := s.messages.ListBefore(ctx, req.ConversationID, repository.Page{
		BeforeSeq:  req.BeforeSeq,
		BeforeTime: req.BeforeTime,
		Limit:      s.clampLimit(req.Limit),
	})
	if err != nil {
		return []models.Message{}, apperr.Wrap(apperr.Transient, err, "could not load messages")
	}
	return s.decorateAll(ctx, msgs), nil
}

// FetchSince returns messages with seq > afterSeq, oldest first. A client
// resynchronises with it after a reconnect before resuming the live stream.
func (s *Service) FetchSince(ctx context.Context, actor, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	if _, err := s.registry.AccessCheck(ctx, actor, conversationID, identity.ActionRead); err != nil {
		return []models.Message{}, err
	}
	msgs, err := s.messages.ListAfter(ctx, conversationID, afterSeq, s.clampLimit(limit))
	if err != nil {
		return []models.Message{}, apperr.Wrap(apperr.Transient, err, "could not load messages")
	}
	return s.decorateAll(ctx, msgs), nil
}

// Get returns a single message to a member of its conversation.
func (s *Service) Get(ctx context.Context, actor string, messageID int64) (*models.Message, error) {
	m, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.AccessCheck(ctx, actor, m.ConversationID, identity.ActionRead); err != nil {
		return nil, err
	}
	return s.decorate(ctx, m), nil
}

func (s *Service) decorateAll(ctx context.Context, msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, *s.decorate(ctx, &msgs[i]))
	}
	return out
}
