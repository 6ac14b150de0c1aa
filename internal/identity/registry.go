// Package identity resolves user ids to display names and decides who may
// do what in a conversation.
package identity

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

type Action string

const (
	ActionRead           Action = "read"
	ActionSend           Action = "send"
	ActionEditOwn        Action = "edit_own"
	ActionDeleteOwn      Action = "delete_own"
	ActionAddMembers     Action = "add_members"
	ActionRemoveMembers  Action = "remove_members"
	ActionRename         Action = "rename"
	ActionSetDescription Action = "set_description"
	ActionSetIcon        Action = "set_icon"
	ActionDeleteGroup    Action = "delete_group"
	ActionMakeAdmin      Action = "make_admin"
	ActionDemoteAdmin    Action = "demote_admin"
	ActionMuteSelf       Action = "mute_self"
	ActionLeave          Action = "leave"
)

func (a Action) adminOnly() bool {
	switch a {
	case ActionAddMembers, ActionRemoveMembers, ActionRename, ActionSetDescription,
		ActionSetIcon, ActionDeleteGroup, ActionMakeAdmin, ActionDemoteAdmin:
		return true
	}
	return false
}

// systemName is what system-authored messages resolve to.
const systemName = "System"

type Registry struct {
	users      repository.UserRepository
	convs      repository.ConversationRepository
	names      *expirable.LRU[string, string]
	clock      clockwork.Clock
	editWindow time.Duration
	logger     *zap.Logger
}

type Options struct {
	NameCacheSize int
	NameCacheTTL  time.Duration
	EditWindow    time.Duration
	Clock         clockwork.Clock
}

func NewRegistry(users repository.UserRepository, convs repository.ConversationRepository, opts Options, logger *zap.Logger) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.NameCacheSize <= 0 {
		opts.NameCacheSize = 4096
	}
	return &Registry{
		users:      users,
		convs:      convs,
		names:      expirable.NewLRU[string, string](opts.NameCacheSize, nil, opts.NameCacheTTL),
		clock:      opts.Clock,
		editWindow: opts.EditWindow,
		logger:     logger.Named("identity"),
	}
}

// ResolveName never fails: unknown ids and lookup errors fall back to the
// id itself.
func (r *Registry) ResolveName(ctx context.Context, userID string) string {
	id := models.NormalizeUserID(userID)
	if id == "" {
		return userID
	}
	if id == models.NormalizeUserID(models.SystemSender) {
		return systemName
	}
	if name, ok := r.names.Get(id); ok {
		return name
	}

	user, err := r.users.GetByID(ctx, id)
	if err != nil {
		r.logger.Warn("name lookup failed", zap.String("user_id", id), zap.Error(err))
		return userID
	}
	if user == nil || user.DisplayName == "" {
		return userID
	}
	r.names.Add(id, user.DisplayName)
	return user.DisplayName
}

// ResolveNames keeps the order of ids.
func (r *Registry) ResolveNames(ctx context.Context, ids []string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, r.ResolveName(ctx, id))
	}
	return names
}

// Forget drops a cached name, e.g. after the directory entry changed.
func (r *Registry) Forget(userID string) {
	r.names.Remove(models.NormalizeUserID(userID))
}

func (r *Registry) User(ctx context.Context, userID string) (*models.User, error) {
	user, err := r.users.GetByID(ctx, models.NormalizeUserID(userID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "user lookup failed")
	}
	if user == nil {
		return nil, apperr.Newf(apperr.NotFound, "user %s not found", userID)
	}
	return user, nil
}

// Unknown returns the ids among ids that the directory does not know.
func (r *Registry) Unknown(ctx context.Context, ids []string) ([]string, error) {
	users, err := r.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "user lookup failed")
	}
	known := make(map[string]struct{}, len(users))
	for _, u := range users {
		known[u.ID] = struct{}{}
		if u.DisplayName != "" {
			r.names.Add(u.ID, u.DisplayName)
		}
	}
	missing := make([]string, 0)
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r *Registry) IsMember(ctx context.Context, userID, conversationID string) (bool, error) {
	conv, err := r.convs.GetByID(ctx, conversationID)
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, err, "conversation lookup failed")
	}
	return conv != nil && conv.HasMember(models.NormalizeUserID(userID)), nil
}

func (r *Registry) IsAdmin(ctx context.Context, userID, conversationID string) (bool, error) {
	conv, err := r.convs.GetByID(ctx, conversationID)
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, err, "conversation lookup failed")
	}
	return conv != nil && conv.IsGroup() && conv.IsAdmin(models.NormalizeUserID(userID)), nil
}

// AccessCheck loads the conversation and applies Allow to it.
func (r *Registry) AccessCheck(ctx context.Context, actor, conversationID string, action Action) (*models.Conversation, error) {
	conv, err := r.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "conversation lookup failed")
	}
	if conv == nil {
		return nil, apperr.Newf(apperr.NotFound, "conversation %s not found", conversationID)
	}
	if err := r.Allow(conv, actor, action); err != nil {
		return nil, err
	}
	return conv, nil
}

// Allow is the policy table. It is pure so callers that already hold a
// loaded conversation under its lock do not reload it.
func (r *Registry) Allow(conv *models.Conversation, actor string, action Action) error {
	actor = models.NormalizeUserID(actor)
	member, ok := conv.Member(actor)
	if !ok {
		return apperr.New(apperr.Forbidden, "not a member of this conversation")
	}
	if action.adminOnly() {
		if !conv.IsGroup() {
			return apperr.New(apperr.InvariantViolation, "direct conversations have no admins")
		}
		if !member.IsAdmin() {
			return apperr.New(apperr.Forbidden, "only group admins can do that")
		}
	}
	return nil
}

// AllowOwnMessage checks edit_own and delete_own against one message.
func (r *Registry) AllowOwnMessage(conv *models.Conversation, actor string, msg *models.Message, action Action) error {
	if err := r.Allow(conv, actor, action); err != nil {
		return err
	}
	if msg.IsSystem() {
		return apperr.New(apperr.Forbidden, "system messages cannot be changed")
	}
	if msg.SenderID != models.NormalizeUserID(actor) {
		return apperr.New(apperr.Forbidden, "only the author can change a message")
	}
	if r.editWindow > 0 && r.clock.Since(msg.CreatedAt) > r.editWindow {
		return apperr.Newf(apperr.Forbidden, "messages can only be changed within %s", r.editWindow)
	}
	return nil
}
