// Package memory implements the repository interfaces in process. It backs
// STORAGE=memory for local development and every service-level test.
package memory

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/lalith-99/huddle/internal/models"
)

type flagKey struct {
	conversationID string
	userID         string
}

// DB is the shared state behind the memory stores. One lock guards all of
// it, which gives Append the same atomicity a Postgres transaction does.
type DB struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	users        map[string]*models.User
	usersByEmail map[string]string

	convs      map[string]*models.Conversation
	directKeys map[string]string
	flags      map[flagKey]*models.Flags

	messages      map[int64]*models.Message
	convMessages  map[string][]int64
	receipts      map[int64]map[string]*models.Receipt
	nextMessageID int64

	media map[string]*models.MediaBlob
}

func NewDB(clock clockwork.Clock) *DB {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DB{
		clock:        clock,
		users:        make(map[string]*models.User),
		usersByEmail: make(map[string]string),
		convs:        make(map[string]*models.Conversation),
		directKeys:   make(map[string]string),
		flags:        make(map[flagKey]*models.Flags),
		messages:     make(map[int64]*models.Message),
		convMessages: make(map[string][]int64),
		receipts:     make(map[int64]map[string]*models.Receipt),
		media:        make(map[string]*models.MediaBlob),
	}
}

// Ping always succeeds; it lets the health endpoint treat both backends
// alike.
func (db *DB) Ping(context.Context) error { return nil }

// flagsLocked returns the flags row for (conv, user), creating it.
func (db *DB) flagsLocked(conversationID, userID string) *models.Flags {
	k := flagKey{conversationID, userID}
	f, ok := db.flags[k]
	if !ok {
		f = &models.Flags{ConversationID: conversationID, UserID: userID}
		db.flags[k] = f
	}
	return f
}

func copyMessage(m *models.Message) models.Message {
	cp := *m
	if m.Media != nil {
		media := *m.Media
		cp.Media = &media
	}
	if m.ReplyTo != nil {
		v := *m.ReplyTo
		cp.ReplyTo = &v
	}
	if m.ForwardedFrom != nil {
		v := *m.ForwardedFrom
		cp.ForwardedFrom = &v
	}
	if m.EditedAt != nil {
		v := *m.EditedAt
		cp.EditedAt = &v
	}
	if m.DeletedAt != nil {
		v := *m.DeletedAt
		cp.DeletedAt = &v
	}
	cp.ReplyPreview = nil
	cp.TempID = ""
	return cp
}
