package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

type ConversationStore struct {
	db *DB
}

func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) Create(_ context.Context, conv *models.Conversation) (*models.Conversation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.convs[conv.ID]; ok {
		return nil, fmt.Errorf("insert conversation %s: %w", conv.ID, repository.ErrDuplicate)
	}
	if conv.DirectKey != "" {
		if _, ok := s.db.directKeys[conv.DirectKey]; ok {
			return nil, fmt.Errorf("insert direct %s: %w", conv.DirectKey, repository.ErrDuplicate)
		}
	}

	c := conv.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.db.clock.Now()
	}
	for i := range c.Members {
		if c.Members[i].JoinedAt.IsZero() {
			c.Members[i].JoinedAt = c.CreatedAt
		}
		s.db.flagsLocked(c.ID, c.Members[i].UserID)
	}
	s.db.convs[c.ID] = c
	if c.DirectKey != "" {
		s.db.directKeys[c.DirectKey] = c.ID
	}
	return c.Clone(), nil
}

func (s *ConversationStore) GetByID(_ context.Context, conversationID string) (*models.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	c, ok := s.db.convs[conversationID]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *ConversationStore) FindDirect(_ context.Context, directKey string) (*models.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	id, ok := s.db.directKeys[directKey]
	if !ok {
		return nil, nil
	}
	return s.db.convs[id].Clone(), nil
}

func (s *ConversationStore) ListForUser(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make([]models.ConversationSummary, 0)
	for _, c := range s.db.convs {
		m, ok := c.Member(userID)
		if !ok {
			continue
		}
		f := s.db.flags[flagKey{c.ID, userID}]
		sum := models.ConversationSummary{Conversation: *c.Clone(), Admin: m.IsAdmin()}
		if f != nil {
			sum.UnreadCount = f.UnreadCount
			sum.Muted = f.Muted
			sum.Hidden = f.Hidden
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return activity(&out[i].Conversation).After(activity(&out[j].Conversation))
	})
	return out, nil
}

func activity(c *models.Conversation) time.Time {
	if c.LastMessageTime != nil {
		return *c.LastMessageTime
	}
	return c.CreatedAt
}

func (s *ConversationStore) UpdateDetails(_ context.Context, conversationID, name, description, iconMediaID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.convs[conversationID]
	if !ok {
		return fmt.Errorf("update conversation %s: not found", conversationID)
	}
	c.Name = name
	c.Description = description
	c.IconMediaID = iconMediaID
	return nil
}

func (s *ConversationStore) AddMembers(_ context.Context, conversationID string, members []models.Member) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.convs[conversationID]
	if !ok {
		return fmt.Errorf("add members %s: not found", conversationID)
	}
	for _, m := range members {
		if c.HasMember(m.UserID) {
			continue
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = s.db.clock.Now()
		}
		c.Members = append(c.Members, m)
		s.db.flagsLocked(conversationID, m.UserID)
	}
	return nil
}

func (s *ConversationStore) RemoveMembers(_ context.Context, conversationID string, userIDs []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.convs[conversationID]
	if !ok {
		return fmt.Errorf("remove members %s: not found", conversationID)
	}
	drop := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		drop[id] = struct{}{}
	}
	kept := c.Members[:0]
	for _, m := range c.Members {
		if _, gone := drop[m.UserID]; gone {
			delete(s.db.flags, flagKey{conversationID, m.UserID})
			continue
		}
		kept = append(kept, m)
	}
	c.Members = kept
	return nil
}

func (s *ConversationStore) SetRoles(_ context.Context, conversationID, userID string, roles models.RoleSet) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.convs[conversationID]
	if !ok {
		return fmt.Errorf("set roles %s: not found", conversationID)
	}
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			c.Members[i].Roles = roles
			return nil
		}
	}
	return fmt.Errorf("set roles %s/%s: not a member", conversationID, userID)
}

func (s *ConversationStore) Delete(_ context.Context, conversationID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.convs[conversationID]
	if !ok {
		return nil
	}
	for _, m := range c.Members {
		delete(s.db.flags, flagKey{conversationID, m.UserID})
	}
	for _, id := range s.db.convMessages[conversationID] {
		delete(s.db.messages, id)
		delete(s.db.receipts, id)
	}
	delete(s.db.convMessages, conversationID)
	if c.DirectKey != "" {
		delete(s.db.directKeys, c.DirectKey)
	}
	delete(s.db.convs, conversationID)
	return nil
}

func (s *ConversationStore) GetFlags(_ context.Context, conversationID, userID string) (*models.Flags, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	if f, ok := s.db.flags[flagKey{conversationID, userID}]; ok {
		out := *f
		return &out, nil
	}
	return &models.Flags{ConversationID: conversationID, UserID: userID}, nil
}

func (s *ConversationStore) SetMuted(_ context.Context, conversationID, userID string, muted bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	s.db.flagsLocked(conversationID, userID).Muted = muted
	return nil
}

func (s *ConversationStore) SetHidden(_ context.Context, conversationID, userID string, hidden bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	s.db.flagsLocked(conversationID, userID).Hidden = hidden
	return nil
}

func (s *ConversationStore) MarkReadUpTo(_ context.Context, conversationID, userID string, seq int64) (*models.Flags, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	f := s.db.flagsLocked(conversationID, userID)
	if seq > f.LastReadSeq {
		f.LastReadSeq = seq
	}
	unread := 0
	for _, id := range s.db.convMessages[conversationID] {
		m := s.db.messages[id]
		if m.Seq > f.LastReadSeq && m.SenderID != userID && !m.IsSystem() {
			unread++
		}
	}
	f.UnreadCount = unread
	out := *f
	return &out, nil
}
