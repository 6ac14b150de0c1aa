// Package conversation owns conversation metadata and membership. Every
// group mutation is applied first and then described by exactly one
// system message written through the message pipeline under the same
// conversation lock.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
	"github.com/lalith-99/huddle/internal/repository"
	"github.com/lalith-99/huddle/internal/serial"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 1000
)

// SystemEmitter writes a system message. Implemented by the message
// pipeline; callers hold the conversation lock.
type SystemEmitter interface {
	EmitSystem(ctx context.Context, conv *models.Conversation, text string, audience []string) (*models.Message, error)
}

type Notifier interface {
	PublishConversation(conversationID string, members []string, ev realtime.Event)
	PublishUser(userID string, ev realtime.Event)
	PublishUsers(userIDs []string, ev realtime.Event)
	Evict(conversationID string, userIDs []string)
	CloseConversation(conversationID string)
}

type Service struct {
	convs    repository.ConversationRepository
	media    repository.MediaRepository
	registry *identity.Registry
	locks    *serial.KeyedMutex
	system   SystemEmitter
	hub      Notifier
	clock    clockwork.Clock
	logger   *zap.Logger
}

func NewService(
	convs repository.ConversationRepository,
	media repository.MediaRepository,
	registry *identity.Registry,
	locks *serial.KeyedMutex,
	system SystemEmitter,
	hub Notifier,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		convs:    convs,
		media:    media,
		registry: registry,
		locks:    locks,
		system:   system,
		hub:      hub,
		clock:    clock,
		logger:   logger.Named("conversation"),
	}
}

// locked loads a conversation under its lock. The returned unlock must be
// called on every path.
func (s *Service) locked(ctx context.Context, conversationID string) (*models.Conversation, func(), error) {
	unlock := s.locks.Lock(conversationID)
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		unlock()
		return nil, nil, apperr.Wrap(apperr.Transient, err, "conversation lookup failed")
	}
	if conv == nil {
		unlock()
		return nil, nil, apperr.Newf(apperr.NotFound, "conversation %s not found", conversationID)
	}
	return conv, unlock, nil
}

func (s *Service) reload(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "conversation lookup failed")
	}
	if conv == nil {
		return nil, apperr.Newf(apperr.NotFound, "conversation %s not found", conversationID)
	}
	return conv, nil
}

func requireGroup(conv *models.Conversation) error {
	if !conv.IsGroup() {
		return apperr.New(apperr.InvariantViolation, "not a group conversation")
	}
	return nil
}

// StartDirect returns the direct conversation between a and b, creating it
// on first use. The ordered pair is the identity, so concurrent starts from
// either side converge on one conversation.
func (s *Service) StartDirect(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	a, b = models.NormalizeUserID(a), models.NormalizeUserID(b)
	if b == "" {
		return nil, false, apperr.New(apperr.InvalidRequest, "target_id is required")
	}
	if a == b {
		return nil, false, apperr.New(apperr.InvariantViolation, "cannot start a conversation with yourself")
	}
	if _, err := s.registry.User(ctx, b); err != nil {
		return nil, false, err
	}

	key := models.DirectKey(a, b)
	unlock := s.locks.Lock("direct:" + key)
	defer unlock()

	existing, err := s.convs.FindDirect(ctx, key)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Transient, err, "conversation lookup failed")
	}
	if existing != nil {
		return existing, false, nil
	}

	conv, err := s.convs.Create(ctx, &models.Conversation{
		ID:        uuid.NewString(),
		Kind:      models.KindDirect,
		DirectKey: key,
		CreatedBy: a,
		CreatedAt: s.clock.Now().UTC(),
		Members:   []models.Member{{UserID: a}, {UserID: b}},
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// Another process won the race.
		existing, ferr := s.convs.FindDirect(ctx, key)
		if ferr != nil || existing == nil {
			return nil, false, apperr.Wrap(apperr.Transient, err, "conversation lookup failed")
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Transient, err, "could not create conversation")
	}

	s.hub.PublishUsers([]string{a, b}, realtime.NewEvent(realtime.EventConversationCreated, conv))
	s.logger.Info("direct conversation created", zap.String("conversation_id", conv.ID))
	return conv, true, nil
}

type CreateGroupRequest struct {
	Creator     string
	Name        string
	Description string
	Members     []string
}

// CreateGroup makes the creator the first admin and adds the initial
// members in one step.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (*models.Conversation, error) {
	creator := models.NormalizeUserID(req.Creator)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.New(apperr.InvalidRequest, "group name is required")
	}
	if len([]rune(name)) > maxNameLength {
		return nil, apperr.Newf(apperr.InvalidRequest, "group name exceeds %d characters", maxNameLength)
	}
	if len([]rune(req.Description)) > maxDescriptionLength {
		return nil, apperr.Newf(apperr.InvalidRequest, "description exceeds %d characters", maxDescriptionLength)
	}

	ids := models.NormalizeUserIDs(append([]string{creator}, req.Members...))
	missing, err := s.registry.Unknown(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.InvalidRequest, "unknown users: %s", strings.Join(missing, ", "))
	}

	now := s.clock.Now().UTC()
	members := make([]models.Member, 0, len(ids))
	for _, id := range ids {
		m := models.Member{UserID: id, JoinedAt: now}
		if id == creator {
			m.Roles = models.RoleAdmin.With(models.RoleCreator)
		}
		members = append(members, m)
	}

	id := uuid.NewString()
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, err := s.convs.Create(ctx, &models.Conversation{
		ID:          id,
		Kind:        models.KindGroup,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		CreatedBy:   creator,
		CreatedAt:   now,
		Members:     members,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not create group")
	}

	// Members learn about the group before its first message arrives.
	s.hub.PublishUsers(conv.MemberIDs(), realtime.NewEvent(realtime.EventConversationCreated, conv))

	text := fmt.Sprintf("%s created the group", s.registry.ResolveName(ctx, creator))
	if _, err := s.system.EmitSystem(ctx, conv, text, nil); err != nil {
		return nil, err
	}
	s.logger.Info("group created", zap.String("conversation_id", conv.ID), zap.String("creator", creator), zap.Int("members", len(ids)))
	return s.reload(ctx, conv.ID)
}

// AddMembers inserts ids that are not yet members. Ids already present are
// ignored; if nothing changes no system message is written.
func (s *Service) AddMembers(ctx context.Context, actor, conversationID string, ids []string) (*models.Conversation, []string, error) {
	actor = models.NormalizeUserID(actor)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionAddMembers); err != nil {
		return nil, nil, err
	}

	added := make([]string, 0, len(ids))
	for _, id := range models.NormalizeUserIDs(ids) {
		if !conv.HasMember(id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return conv, added, nil
	}
	missing, err := s.registry.Unknown(ctx, added)
	if err != nil {
		return nil, nil, err
	}
	if len(missing) > 0 {
		return nil, nil, apperr.Newf(apperr.InvalidRequest, "unknown users: %s", strings.Join(missing, ", "))
	}

	now := s.clock.Now().UTC()
	members := make([]models.Member, 0, len(added))
	for _, id := range added {
		members = append(members, models.Member{UserID: id, JoinedAt: now})
	}
	if err := s.convs.AddMembers(ctx, conv.ID, members); err != nil {
		return nil, nil, apperr.Wrap(apperr.Transient, err, "could not add members")
	}
	conv, err = s.reload(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}

	s.hub.PublishUsers(added, realtime.NewEvent(realtime.EventConversationCreated, conv))

	text := fmt.Sprintf("%s added %s", s.registry.ResolveName(ctx, actor), joinNames(s.registry.ResolveNames(ctx, added)))
	if _, err := s.system.EmitSystem(ctx, conv, text, nil); err != nil {
		return nil, nil, err
	}
	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventGroupMembersAdded, realtime.MembershipChange{
		ConversationID: conv.ID,
		Actor:          actor,
		Text:           text,
		Added:          added,
	}))
	s.logger.Info("members added", zap.String("conversation_id", conv.ID), zap.String("actor", actor), zap.Strings("added", added))
	return conv, added, nil
}

// RemoveMembers removes ids from a group. Removing only yourself is a
// leave.
func (s *Service) RemoveMembers(ctx context.Context, actor, conversationID string, ids []string) (*models.Conversation, []string, error) {
	actor = models.NormalizeUserID(actor)
	ids = models.NormalizeUserIDs(ids)
	if len(ids) == 1 && ids[0] == actor {
		conv, err := s.Leave(ctx, actor, conversationID)
		return conv, ids, err
	}

	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionRemoveMembers); err != nil {
		return nil, nil, err
	}

	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == actor {
			return nil, nil, apperr.New(apperr.InvalidRequest, "use leave to remove yourself")
		}
		if conv.HasMember(id) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return conv, removed, nil
	}
	if err := ensureAdminRemains(conv, removed, nil); err != nil {
		return nil, nil, err
	}

	if err := s.convs.RemoveMembers(ctx, conv.ID, removed); err != nil {
		return nil, nil, apperr.Wrap(apperr.Transient, err, "could not remove members")
	}
	after, err := s.reload(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}

	// The removed users see why their composer went away.
	audience := append(after.MemberIDs(), removed...)
	text := fmt.Sprintf("%s removed %s", s.registry.ResolveName(ctx, actor), joinNames(s.registry.ResolveNames(ctx, removed)))
	if _, err := s.system.EmitSystem(ctx, after, text, audience); err != nil {
		return nil, nil, err
	}
	s.hub.PublishConversation(after.ID, audience, realtime.NewEvent(realtime.EventGroupMembersRemoved, realtime.MembershipChange{
		ConversationID: after.ID,
		Actor:          actor,
		Text:           text,
		Removed:        removed,
	}))
	for _, id := range removed {
		s.hub.PublishUser(id, realtime.NewEvent(realtime.EventUserRemovedFromGroup, realtime.ConversationRef{
			ConversationID: after.ID,
			UserID:         id,
			Actor:          actor,
		}))
	}
	s.hub.Evict(after.ID, removed)

	s.logger.Info("members removed", zap.String("conversation_id", after.ID), zap.String("actor", actor), zap.Strings("removed", removed))
	return after, removed, nil
}

// ensureAdminRemains rejects a change that would leave a group with no
// admin. removed leave the group; demoted lose the admin role.
func ensureAdminRemains(conv *models.Conversation, removed, demoted []string) error {
	gone := make(map[string]struct{}, len(removed)+len(demoted))
	for _, id := range removed {
		gone[id] = struct{}{}
	}
	for _, id := range demoted {
		gone[id] = struct{}{}
	}
	for _, id := range conv.Admins() {
		if _, ok := gone[id]; !ok {
			return nil
		}
	}
	return apperr.New(apperr.InvariantViolation, "a group must keep at least one admin")
}

type DetailsUpdate struct {
	Name        *string
	Description *string
	IconMediaID *string
}

// UpdateDetails applies rename, set_description and set_icon. Each field
// that actually changes gets its own system message.
func (s *Service) UpdateDetails(ctx context.Context, actor, conversationID string, upd DetailsUpdate) (*models.Conversation, error) {
	actor = models.NormalizeUserID(actor)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireGroup(conv); err != nil {
		return nil, err
	}

	name, desc, icon := conv.Name, conv.Description, conv.IconMediaID
	actorName := s.registry.ResolveName(ctx, actor)
	texts := make([]string, 0, 3)

	if upd.Name != nil && strings.TrimSpace(*upd.Name) != conv.Name {
		if err := s.registry.Allow(conv, actor, identity.ActionRename); err != nil {
			return nil, err
		}
		name = strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, apperr.New(apperr.InvalidRequest, "group name cannot be empty")
		}
		if len([]rune(name)) > maxNameLength {
			return nil, apperr.Newf(apperr.InvalidRequest, "group name exceeds %d characters", maxNameLength)
		}
		texts = append(texts, fmt.Sprintf("%s renamed the group to %q", actorName, name))
	}
	if upd.Description != nil && strings.TrimSpace(*upd.Description) != conv.Description {
		if err := s.registry.Allow(conv, actor, identity.ActionSetDescription); err != nil {
			return nil, err
		}
		desc = strings.TrimSpace(*upd.Description)
		if len([]rune(desc)) > maxDescriptionLength {
			return nil, apperr.Newf(apperr.InvalidRequest, "description exceeds %d characters", maxDescriptionLength)
		}
		if desc == "" {
			texts = append(texts, fmt.Sprintf("%s removed the group description", actorName))
		} else {
			texts = append(texts, fmt.Sprintf("%s updated the group description", actorName))
		}
	}
	if upd.IconMediaID != nil && *upd.IconMediaID != conv.IconMediaID {
		if err := s.registry.Allow(conv, actor, identity.ActionSetIcon); err != nil {
			return nil, err
		}
		icon = *upd.IconMediaID
		if icon == "" {
			texts = append(texts, fmt.Sprintf("%s removed the group icon", actorName))
		} else {
			if err := s.checkIcon(ctx, conv.ID, icon); err != nil {
				return nil, err
			}
			texts = append(texts, fmt.Sprintf("%s changed the group icon", actorName))
		}
	}
	if len(texts) == 0 {
		if err := s.registry.Allow(conv, actor, identity.ActionRead); err != nil {
			return nil, err
		}
		return conv, nil
	}

	if err := s.convs.UpdateDetails(ctx, conv.ID, name, desc, icon); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not update group")
	}
	conv, err = s.reload(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	for _, text := range texts {
		if _, err := s.system.EmitSystem(ctx, conv, text, nil); err != nil {
			return nil, err
		}
	}
	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventGroupUpdated, realtime.GroupUpdated{
		ConversationID: conv.ID,
		Actor:          actor,
		Name:           conv.Name,
		Description:    conv.Description,
		IconMediaID:    conv.IconMediaID,
	}))
	return conv, nil
}

func (s *Service) checkIcon(ctx context.Context, conversationID, mediaID string) error {
	blob, err := s.media.GetByID(ctx, mediaID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "could not load media")
	}
	if blob == nil || blob.ConversationID != conversationID {
		return apperr.Newf(apperr.NotFound, "media %s not found in this conversation", mediaID)
	}
	if models.MediaKindFor(blob.MimeType) != models.MessageImage {
		return apperr.New(apperr.UnsupportedMedia, "group icons must be images")
	}
	return nil
}

func (s *Service) MakeAdmin(ctx context.Context, actor, conversationID, target string) (*models.Conversation, error) {
	actor, target = models.NormalizeUserID(actor), models.NormalizeUserID(target)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionMakeAdmin); err != nil {
		return nil, err
	}
	m, ok := conv.Member(target)
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "%s is not a member", target)
	}
	if m.IsAdmin() {
		return conv, nil
	}
	if err := s.convs.SetRoles(ctx, conv.ID, target, m.Roles.With(models.RoleAdmin)); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not update roles")
	}
	conv, err = s.reload(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("%s made %s an admin", s.registry.ResolveName(ctx, actor), s.registry.ResolveName(ctx, target))
	if _, err := s.system.EmitSystem(ctx, conv, text, nil); err != nil {
		return nil, err
	}
	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventGroupSystemMessage, realtime.MembershipChange{
		ConversationID: conv.ID,
		Actor:          actor,
		Text:           text,
	}))
	return conv, nil
}

// DemoteAdmin removes the admin role. Demoting the last admin fails and
// leaves the group unchanged.
func (s *Service) DemoteAdmin(ctx context.Context, actor, conversationID, target string) (*models.Conversation, error) {
	actor, target = models.NormalizeUserID(actor), models.NormalizeUserID(target)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionDemoteAdmin); err != nil {
		return nil, err
	}
	m, ok := conv.Member(target)
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "%s is not a member", target)
	}
	if !m.IsAdmin() {
		return conv, nil
	}
	if err := ensureAdminRemains(conv, nil, []string{target}); err != nil {
		return nil, err
	}
	if err := s.convs.SetRoles(ctx, conv.ID, target, m.Roles.Without(models.RoleAdmin)); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not update roles")
	}
	conv, err = s.reload(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var text string
	if target == actor {
		text = fmt.Sprintf("%s is no longer an admin", s.registry.ResolveName(ctx, actor))
	} else {
		text = fmt.Sprintf("%s removed %s as admin", s.registry.ResolveName(ctx, actor), s.registry.ResolveName(ctx, target))
	}
	if _, err := s.system.EmitSystem(ctx, conv, text, nil); err != nil {
		return nil, err
	}
	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventAdminDemoted, realtime.ConversationRef{
		ConversationID: conv.ID,
		UserID:         target,
		Actor:          actor,
	}))
	return conv, nil
}

// Leave removes the actor from a group. For a direct conversation it only
// hides the conversation for the actor. The last admin of a group with
// other members must promote someone first; a sole member leaving deletes
// the group.
func (s *Service) Leave(ctx context.Context, actor, conversationID string) (*models.Conversation, error) {
	actor = models.NormalizeUserID(actor)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionLeave); err != nil {
		return nil, err
	}
	if conv.IsDirect() {
		if err := s.setHiddenLocked(ctx, conv, actor, true); err != nil {
			return nil, err
		}
		return conv, nil
	}

	if len(conv.Members) == 1 {
		if err := s.deleteLocked(ctx, conv, actor); err != nil {
			return nil, err
		}
		return conv, nil
	}
	if err := ensureAdminRemains(conv, []string{actor}, nil); err != nil {
		return nil, apperr.New(apperr.InvariantViolation, "make another member an admin before leaving")
	}

	if err := s.convs.RemoveMembers(ctx, conv.ID, []string{actor}); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not leave group")
	}
	after, err := s.reload(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	audience := append(after.MemberIDs(), actor)
	text := fmt.Sprintf("%s left", s.registry.ResolveName(ctx, actor))
	if _, err := s.system.EmitSystem(ctx, after, text, audience); err != nil {
		return nil, err
	}
	s.hub.PublishConversation(after.ID, audience, realtime.NewEvent(realtime.EventGroupSystemMessage, realtime.MembershipChange{
		ConversationID: after.ID,
		Actor:          actor,
		Text:           text,
		Removed:        []string{actor},
	}))
	s.hub.Evict(after.ID, []string{actor})
	s.logger.Info("member left", zap.String("conversation_id", after.ID), zap.String("user_id", actor))
	return after, nil
}

// DeleteGroup hard-deletes a group. Clients close the conversation view on
// group_deleted.
func (s *Service) DeleteGroup(ctx context.Context, actor, conversationID string) error {
	actor = models.NormalizeUserID(actor)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionDeleteGroup); err != nil {
		return err
	}
	return s.deleteLocked(ctx, conv, actor)
}

func (s *Service) deleteLocked(ctx context.Context, conv *models.Conversation, actor string) error {
	if err := s.convs.Delete(ctx, conv.ID); err != nil {
		return apperr.Wrap(apperr.Transient, err, "could not delete group")
	}
	s.hub.PublishConversation(conv.ID, conv.MemberIDs(), realtime.NewEvent(realtime.EventGroupDeleted, realtime.ConversationRef{
		ConversationID: conv.ID,
		Actor:          actor,
	}))
	s.hub.CloseConversation(conv.ID)
	s.logger.Info("group deleted", zap.String("conversation_id", conv.ID), zap.String("actor", actor))
	return nil
}

// Mute toggles the actor's own notification setting. Only the actor's
// devices hear about it.
func (s *Service) Mute(ctx context.Context, actor, conversationID string, on bool) (*models.Flags, error) {
	actor = models.NormalizeUserID(actor)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionMuteSelf); err != nil {
		return nil, err
	}
	if err := s.convs.SetMuted(ctx, conv.ID, actor, on); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not update flags")
	}
	return s.publishFlags(ctx, conv.ID, actor)
}

// SetHidden hides or unhides a conversation in the actor's list. A new
// message un-hides it again.
func (s *Service) SetHidden(ctx context.Context, actor, conversationID string, hidden bool) (*models.Flags, error) {
	actor = models.NormalizeUserID(actor)
	conv, unlock, err := s.locked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.registry.Allow(conv, actor, identity.ActionRead); err != nil {
		return nil, err
	}
	if err := s.setHiddenLocked(ctx, conv, actor, hidden); err != nil {
		return nil, err
	}
	return s.convs.GetFlags(ctx, conv.ID, actor)
}

func (s *Service) setHiddenLocked(ctx context.Context, conv *models.Conversation, actor string, hidden bool) error {
	if err := s.convs.SetHidden(ctx, conv.ID, actor, hidden); err != nil {
		return apperr.Wrap(apperr.Transient, err, "could not update flags")
	}
	_, err := s.publishFlags(ctx, conv.ID, actor)
	return err
}

func (s *Service) publishFlags(ctx context.Context, conversationID, userID string) (*models.Flags, error) {
	flags, err := s.convs.GetFlags(ctx, conversationID, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not load flags")
	}
	s.hub.PublishUser(userID, realtime.NewEvent(realtime.EventConversationFlags, flags))
	return flags, nil
}

// Get returns a conversation to one of its members.
func (s *Service) Get(ctx context.Context, actor, conversationID string) (*models.Conversation, error) {
	return s.registry.AccessCheck(ctx, actor, conversationID, identity.ActionRead)
}

// List returns the actor's conversations, most recent activity first.
// Hidden ones are skipped unless includeHidden is set.
func (s *Service) List(ctx context.Context, actor string, includeHidden bool) ([]models.ConversationSummary, error) {
	actor = models.NormalizeUserID(actor)
	all, err := s.convs.ListForUser(ctx, actor)
	if err != nil {
		return []models.ConversationSummary{}, apperr.Wrap(apperr.Transient, err, "could not list conversations")
	}
	out := make([]models.ConversationSummary, 0, len(all))
	for _, sum := range all {
		if sum.Hidden && !includeHidden {
			continue
		}
		sum.Title = s.title(ctx, &sum.Conversation, actor)
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return activity(&out[i].Conversation).After(activity(&out[j].Conversation))
	})
	return out, nil
}

func (s *Service) title(ctx context.Context, conv *models.Conversation, viewer string) string {
	if conv.IsGroup() {
		return conv.Name
	}
	others := conv.Others(viewer)
	if len(others) == 0 {
		return viewer
	}
	return s.registry.ResolveName(ctx, others[0])
}

func activity(c *models.Conversation) time.Time {
	if c.LastMessageTime != nil {
		return *c.LastMessageTime
	}
	return c.CreatedAt
}

// joinNames renders "A", "A and B" or "A, B and C".
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
