package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

type MessageStore struct {
	db *DB
}

func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(_ context.Context, msg *models.Message, recipients []string) (*models.Message, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.convs[msg.ConversationID]
	if !ok {
		return nil, fmt.Errorf("append message: conversation %s not found", msg.ConversationID)
	}

	s.db.nextMessageID++
	m := copyMessage(msg)
	m.ID = s.db.nextMessageID
	m.Seq = c.LastSeq + 1
	m.Status = models.StatusSent
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.db.clock.Now()
	}
	s.db.messages[m.ID] = &m
	s.db.convMessages[c.ID] = append(s.db.convMessages[c.ID], m.ID)

	c.LastSeq = m.Seq
	c.LastMessageText = m.Preview()
	c.LastSenderID = m.SenderID
	if c.LastMessageTime == nil || m.CreatedAt.After(*c.LastMessageTime) {
		t := m.CreatedAt
		c.LastMessageTime = &t
	}

	if len(recipients) > 0 {
		rs := make(map[string]*models.Receipt, len(recipients))
		for _, uid := range recipients {
			rs[uid] = &models.Receipt{MessageID: m.ID, UserID: uid, Status: models.StatusSent, UpdatedAt: m.CreatedAt}
			f := s.db.flagsLocked(c.ID, uid)
			f.UnreadCount++
			f.Hidden = false
		}
		s.db.receipts[m.ID] = rs
	}

	out := copyMessage(&m)
	return &out, nil
}

func (s *MessageStore) GetByID(_ context.Context, messageID int64) (*models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	m, ok := s.db.messages[messageID]
	if !ok {
		return nil, nil
	}
	out := copyMessage(m)
	return &out, nil
}

func (s *MessageStore) ListBefore(_ context.Context, conversationID string, page repository.Page) ([]models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	ids := s.db.convMessages[conversationID]
	out := make([]models.Message, 0, page.Limit)
	for i := len(ids) - 1; i >= 0 && len(out) < page.Limit; i-- {
		m := s.db.messages[ids[i]]
		if page.BeforeSeq > 0 && m.Seq >= page.BeforeSeq {
			continue
		}
		if !page.BeforeTime.IsZero() && !m.CreatedAt.Before(page.BeforeTime) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *MessageStore) ListAfter(_ context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	ids := s.db.convMessages[conversationID]
	start := sort.Search(len(ids), func(i int) bool {
		return s.db.messages[ids[i]].Seq > afterSeq
	})
	out := make([]models.Message, 0, limit)
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, copyMessage(s.db.messages[ids[i]]))
	}
	return out, nil
}

func (s *MessageStore) UpdateText(_ context.Context, messageID int64, text string, editedAt time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	m, ok := s.db.messages[messageID]
	if !ok {
		return fmt.Errorf("update message %d: not found", messageID)
	}
	m.Text = text
	m.EditedAt = &editedAt
	s.refreshSummaryLocked(m)
	return nil
}

func (s *MessageStore) MarkDeleted(_ context.Context, messageID int64, deletedAt time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	m, ok := s.db.messages[messageID]
	if !ok {
		return fmt.Errorf("delete message %d: not found", messageID)
	}
	m.Text = models.TombstoneText
	m.DeletedAt = &deletedAt
	s.refreshSummaryLocked(m)
	return nil
}

// refreshSummaryLocked keeps the conversation preview in step when the
// latest message is edited or deleted.
func (s *MessageStore) refreshSummaryLocked(m *models.Message) {
	c, ok := s.db.convs[m.ConversationID]
	if ok && c.LastSeq == m.Seq {
		c.LastMessageText = m.Preview()
	}
}

func (s *MessageStore) AdvanceReceipts(_ context.Context, userID string, messageIDs []int64, status models.MessageStatus) ([]models.StatusChange, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	now := s.db.clock.Now()
	changes := make([]models.StatusChange, 0)
	for _, id := range messageIDs {
		rs := s.db.receipts[id]
		r, ok := rs[userID]
		if !ok || r.Status.Rank() >= status.Rank() {
			continue
		}
		r.Status = status
		r.UpdatedAt = now

		statuses := make([]models.MessageStatus, 0, len(rs))
		for _, other := range rs {
			statuses = append(statuses, other.Status)
		}
		agg := models.MinStatus(statuses)
		m := s.db.messages[id]
		if agg.Rank() > m.Status.Rank() {
			m.Status = agg
			changes = append(changes, models.StatusChange{
				MessageID:      m.ID,
				ConversationID: m.ConversationID,
				SenderID:       m.SenderID,
				Status:         agg,
			})
		}
	}
	return changes, nil
}

func (s *MessageStore) Receipts(_ context.Context, messageID int64) ([]models.Receipt, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make([]models.Receipt, 0, len(s.db.receipts[messageID]))
	for _, r := range s.db.receipts[messageID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
