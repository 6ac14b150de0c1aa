package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// User is an entry of the external user directory. The core only reads
// users; IDs are opaque strings keyed upper-case.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	IsAdmin      bool      `json:"is_admin"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizeUserID case-folds a user id for keying.
func NormalizeUserID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NormalizeUserIDs normalizes, drops blanks and removes duplicates while
// keeping first-seen order.
func NormalizeUserIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := NormalizeUserID(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// RoleSet is the set of elevated roles a member holds in one conversation.
// Plain membership is the empty set.
type RoleSet uint8

const (
	RoleAdmin RoleSet = 1 << iota
	RoleCreator
)

var roleNames = []struct {
	role RoleSet
	name string
}{
	{RoleAdmin, "admin"},
	{RoleCreator, "creator"},
}

func (r RoleSet) Has(role RoleSet) bool { return r&role == role }
func (r RoleSet) With(role RoleSet) RoleSet { return r | role }
func (r RoleSet) Without(role RoleSet) RoleSet { return r &^ role }

func (r RoleSet) Names() []string {
	names := make([]string, 0, len(roleNames))
	for _, rn := range roleNames {
		if r.Has(rn.role) {
			names = append(names, rn.name)
		}
	}
	return names
}

func (r RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Names())
}

func (r *RoleSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out RoleSet
	for _, n := range names {
		for _, rn := range roleNames {
			if rn.name == n {
				out = out.With(rn.role)
			}
		}
	}
	*r = out
	return nil
}

type Member struct {
	UserID   string    `json:"user_id"`
	Roles    RoleSet   `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
}

func (m Member) IsAdmin() bool { return m.Roles.Has(RoleAdmin) }

// Conversation is the metadata record of a direct or group conversation
// together with its member set and last-message summary.
type Conversation struct {
	ID          string           `json:"conversation_id"`
	Kind        ConversationKind `json:"kind"`
	DirectKey   string           `json:"-"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	IconMediaID string           `json:"icon_media_id,omitempty"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
	Members     []Member         `json:"members"`

	LastSeq         int64      `json:"last_seq"`
	LastMessageText string     `json:"last_message_text,omitempty"`
	LastSenderID    string     `json:"last_sender_id,omitempty"`
	LastMessageTime *time.Time `json:"last_message_time,omitempty"`
}

func (c *Conversation) IsGroup() bool { return c.Kind == KindGroup }
func (c *Conversation) IsDirect() bool { return c.Kind == KindDirect }

func (c *Conversation) Member(userID string) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

func (c *Conversation) HasMember(userID string) bool {
	_, ok := c.Member(userID)
	return ok
}

func (c *Conversation) IsAdmin(userID string) bool {
	m, ok := c.Member(userID)
	return ok && m.IsAdmin()
}

func (c *Conversation) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

func (c *Conversation) Admins() []string {
	ids := make([]string, 0, 1)
	for _, m := range c.Members {
		if m.IsAdmin() {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

// Others returns every member except userID.
func (c *Conversation) Others(userID string) []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.UserID != userID {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

// Clone returns a deep copy so callers can mutate member slices freely.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Members = append([]Member(nil), c.Members...)
	if c.LastMessageTime != nil {
		t := *c.LastMessageTime
		cp.LastMessageTime = &t
	}
	return &cp
}

// DirectKey is the canonical identity of the direct conversation between
// two users: the ordered pair joined by '|'.
func DirectKey(a, b string) string {
	pair := []string{NormalizeUserID(a), NormalizeUserID(b)}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// Flags are the per-user, per-conversation view settings. They are never
// broadcast beyond their owner.
type Flags struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Muted          bool   `json:"muted"`
	Hidden         bool   `json:"hidden"`
	LastReadSeq    int64  `json:"last_read_seq"`
	UnreadCount    int    `json:"unread_count"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation
	// Title is the group name, or the other member's display name for a
	// direct conversation.
	Title       string `json:"title"`
	UnreadCount int    `json:"unread_count"`
	Muted       bool   `json:"muted"`
	Hidden      bool   `json:"hidden"`
	Admin       bool   `json:"is_admin"`
}
