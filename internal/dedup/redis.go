package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lalith-99/huddle/internal/models"
)

const redisPrefix = "huddle:dedup:"

// Redis shares the dedup window across server processes.
type Redis struct {
	client *redis.Client
	window time.Duration
}

func NewRedis(client *redis.Client, window time.Duration) *Redis {
	return &Redis{client: client, window: window}
}

func redisKey(senderID, tempID string) string {
	return redisPrefix + models.NormalizeUserID(senderID) + ":" + tempID
}

func (c *Redis) Get(ctx context.Context, senderID, tempID string) (*Entry, error) {
	raw, err := c.client.Get(ctx, redisKey(senderID, tempID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dedup entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode dedup entry: %w", err)
	}
	return &e, nil
}

func (c *Redis) Put(ctx context.Context, senderID, tempID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dedup entry: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(senderID, tempID), raw, c.window).Err(); err != nil {
		return fmt.Errorf("set dedup entry: %w", err)
	}
	return nil
}
