// Package messaging is the message pipeline: it assigns canonical ids,
// persists, fans out, tracks receipts and handles edits, deletes, replies,
// forwards and server-authored system messages.
package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/dedup"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
	"github.com/lalith-99/huddle/internal/repository"
	"github.com/lalith-99/huddle/internal/serial"
)

const maxTextLength = 10000

type Publisher interface {
	PublishConversation(conversationID string, members []string, ev realtime.Event)
	PublishUser(userID string, ev realtime.Event)
}

type Service struct {
	convs    repository.ConversationRepository
	messages repository.MessageRepository
	media    repository.MediaRepository
	registry *identity.Registry
	locks    *serial.KeyedMutex
	dedup    dedup.Cache
	hub      Publisher
	clock    clockwork.Clock

	pageLimit    int
	maxPageLimit int
	logger       *zap.Logger
}

type Options struct {
	PageLimit    int
	MaxPageLimit int
	Clock        clockwork.Clock
}

func NewService(
	convs repository.ConversationRepository,
	messages repository.MessageRepository,
	media repository.MediaRepository,
	registry *identity.Registry,
	locks *serial.KeyedMutex,
	cache dedup.Cache,
	hub Publisher,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 50
	}
	if opts.MaxPageLimit < opts.PageLimit {
		opts.MaxPageLimit = opts.PageLimit
	}
	return &Service{
		convs:        convs,
		messages:     messages,
		media:        media,
		registry:     registry,
		locks:        locks,
		dedup:        cache,
		hub:          hub,
		clock:        opts.Clock,
		pageLimit:    opts.PageLimit,
		maxPageLimit: opts.MaxPageLimit,
		logger:       logger.Named("messaging"),
	}
}

// SendRequest is one client send. TempID is optional for server-side sends
// (HTTP forward) and required to get idempotent retries.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Kind           models.MessageKind
	Text           string
	TempID         string
	ReplyTo        *int64
	Media          *models.MediaDescriptor
	ForwardedFrom  *int64
}

type SendResult struct {
	Reconciled models.Reconciled
	Message    *models.Message
	// Duplicate is set when the (sender, temp_id) pair was already
	// persisted; nothing was written or fanned out again.
	Duplicate bool
}

func (r SendRequest) validate() error {
	if r.ConversationID == "" {
		return apperr.New(apperr.InvalidRequest, "conversation_id is required")
	}
	if r.TempID != "" && !models.ValidTempID(r.TempID) {
		return apperr.Newf(apperr.InvalidRequest, "temp_id must start with %q", models.TempIDPrefix)
	}
	switch {
	case r.Kind == models.MessageSystem:
		return apperr.New(apperr.Forbidden, "clients cannot send system messages")
	case !r.Kind.Valid():
		return apperr.Newf(apperr.InvalidRequest, "unknown message_type %q", r.Kind)
	case r.Kind == models.MessageText && strings.TrimSpace(r.Text) == "":
		return apperr.New(apperr.InvalidRequest, "message_text is required")
	case r.Kind.IsMedia() && r.Media == nil:
		return apperr.New(apperr.InvalidRequest, "media messages need an uploaded file")
	}
	if len([]rune(r.Text)) > maxTextLength {
		return apperr.Newf(apperr.InvalidRequest, "message_text exceeds %d characters", maxTextLength)
	}
	return nil
}

// Send persists one message and fans it out to the conversation. The whole
// check-persist-publish sequence runs under the conversation lock, which is
// what makes every subscriber observe the same order.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	req.SenderID = models.NormalizeUserID(req.SenderID)
	if req.Kind == "" {
		req.Kind = models.MessageText
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	// The conversation lock is held from the membership check until the
	// new_message event is queued, not only around the insert. Two senders
	// could otherwise persist seq 7 and 8 and then publish in the opposite
	// order, and one client would render 8 above 7. The hub never blocks
	// on a slow socket, so holding the lock while publishing costs one
	// enqueue per session.
	unlock := s.locks.Lock(req.ConversationID)
	defer unlock()

	conv, err := s.registry.AccessCheck(ctx, req.SenderID, req.ConversationID, identity.ActionSend)
	if err != nil {
		return nil, err
	}

	if req.TempID != "" {
		if res, err := s.replay(ctx, req); res != nil || err != nil {
			return res, err
		}
	}

	if req.ReplyTo != nil {
		if err := s.checkReplyTarget(ctx, conv.ID, *req.ReplyTo); err != nil {
			return nil, err
		}
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Kind:           req.Kind,
		Text:           req.Text,
		Media:          req.Media,
		ReplyTo:        req.ReplyTo,
		ForwardedFrom:  req.ForwardedFrom,
		CreatedAt:      s.clock.Now().UTC(),
	}
	saved, err := s.messages.Append(ctx, msg, conv.Others(req.SenderID))
	if err != nil {
		s.logger.Error("persist message failed",
			zap.String("conversation_id", conv.ID),
			zap.String("sender_id", req.SenderID),
			zap.String("temp_id", req.TempID),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.Transient, err, "could not persist message, retry")
	}

	if saved.Media != nil {
		if err := s.media.AttachMessage(ctx, saved.Media.MediaID, saved.ID); err != nil {
			s.logger.Warn("attach media", zap.String("media_id", saved.Media.MediaID), zap.Error(err))
		}
	}
	if req.TempID != "" {
		entry := dedup.Entry{ConversationID: conv.ID, MessageID: saved.ID}
		if err := s.dedup.Put(ctx, req.SenderID, req.TempID, entry); err != nil {
			s.logger.Warn("remember temp id", zap.String("temp_id", req.TempID), zap.Error(err))
		}
	}

	_, reconciled := models.Pending(req.TempID).Reconcile(saved.ID, saved.Status)
	out := s.decorate(ctx, saved)
	out.TempID = req.TempID
	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventNewMessage, out))

	s.logger.Debug("message sent",
		zap.String("conversation_id", conv.ID),
		zap.Int64("message_id", saved.ID),
		zap.Int64("seq", saved.Seq),
	)
	return &SendResult{Reconciled: reconciled, Message: out}, nil
}

// replay answers a retried send from the dedup cache. It returns nil, nil
// when the pair is unknown.
func (s *Service) replay(ctx context.Context, req SendRequest) (*SendResult, error) {
	entry, err := s.dedup.Get(ctx, req.SenderID, req.TempID)
	if err != nil {
		// A cache outage must not block sends; the worst case is a
		// duplicate on retry.
		s.logger.Warn("dedup lookup failed", zap.String("temp_id", req.TempID), zap.Error(err))
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}
	if entry.ConversationID != req.ConversationID {
		return nil, apperr.Newf(apperr.Conflict, "temp_id %s was already used in another conversation", req.TempID)
	}
	prev, err := s.messages.GetByID(ctx, entry.MessageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not load message")
	}
	if prev == nil {
		return nil, nil
	}
	out := s.decorate(ctx, prev)
	out.TempID = req.TempID
	_, reconciled := models.Pending(req.TempID).Reconcile(prev.ID, prev.Status)
	return &SendResult{Reconciled: reconciled, Message: out, Duplicate: true}, nil
}

func (s *Service) checkReplyTarget(ctx context.Context, conversationID string, replyTo int64) error {
	target, err := s.messages.GetByID(ctx, replyTo)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "could not load reply target")
	}
	if target == nil {
		return apperr.Newf(apperr.NotFound, "message %d not found", replyTo)
	}
	if target.ConversationID != conversationID {
		return apperr.New(apperr.InvariantViolation, "replies must stay in the same conversation")
	}
	if target.IsDeleted() {
		return apperr.New(apperr.Conflict, "cannot reply to a deleted message")
	}
	return nil
}

// EmitSystem persists a system message into conv and fans it out to the
// given audience (the current members when nil). The caller must hold the
// conversation lock and must already have applied the state change the
// text describes.
func (s *Service) EmitSystem(ctx context.Context, conv *models.Conversation, text string, audience []string) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       models.SystemSender,
		Kind:           models.MessageSystem,
		Text:           text,
		CreatedAt:      s.clock.Now().UTC(),
	}
	saved, err := s.messages.Append(ctx, msg, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not persist system message")
	}
	if audience == nil {
		audience = conv.MemberIDs()
	}
	out := s.decorate(ctx, saved)
	s.hub.PublishConversation(conv.ID, audience, realtime.NewEvent(realtime.EventNewMessage, out))
	return out, nil
}

// decorate fills the fields that are derived at read time: the sender's
// display name and the reply preview.
func (s *Service) decorate(ctx context.Context, m *models.Message) *models.Message {
	out := *m
	out.SenderName = s.registry.ResolveName(ctx, m.SenderID)
	if m.ReplyTo != nil {
		out.ReplyPreview = s.replyPreview(ctx, *m.ReplyTo)
	}
	return &out
}

func (s *Service) replyPreview(ctx context.Context, id int64) *models.ReplyPreview {
	target, err := s.messages.GetByID(ctx, id)
	if err != nil {
		s.logger.Warn("load reply target", zap.Int64("message_id", id), zap.Error(err))
		return nil
	}
	if target == nil {
		return &models.ReplyPreview{MessageID: id, Text: models.DeletedPreview, Deleted: true}
	}
	return &models.ReplyPreview{
		MessageID:  target.ID,
		SenderID:   target.SenderID,
		SenderName: s.registry.ResolveName(ctx, target.SenderID),
		Text:       target.Preview(),
		Deleted:    target.IsDeleted(),
	}
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }
