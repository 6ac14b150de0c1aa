// Package dedup remembers which (sender, temp_id) pairs were already
// persisted so a client retry after a lost ack is answered idempotently
// instead of producing a second message.
package dedup

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lalith-99/huddle/internal/models"
)

// Entry is what a retry needs to rebuild the original ack.
type Entry struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

// Cache is bounded and time-limited. A miss never means "not sent", only
// "not sent recently".
type Cache interface {
	Get(ctx context.Context, senderID, tempID string) (*Entry, error)
	Put(ctx context.Context, senderID, tempID string, e Entry) error
}

func key(senderID, tempID string) string {
	return models.NormalizeUserID(senderID) + "\x00" + tempID
}

// LRU keeps entries in process.
type LRU struct {
	cache *lru.LRU[string, Entry]
}

func NewLRU(capacity int, window time.Duration) *LRU {
	return &LRU{cache: lru.NewLRU[string, Entry](capacity, nil, window)}
}

func (c *LRU) Get(_ context.Context, senderID, tempID string) (*Entry, error) {
	e, ok := c.cache.Get(key(senderID, tempID))
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *LRU) Put(_ context.Context, senderID, tempID string, e Entry) error {
	c.cache.Add(key(senderID, tempID), e)
	return nil
}

func (c *LRU) Len() int { return c.cache.Len() }
