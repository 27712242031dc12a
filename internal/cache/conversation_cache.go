package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/models"
)

// RedisConversationCache stores each viewer's aggregated conversation list
// as a single JSON value.
type RedisConversationCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedisConversationCache(client *redis.Client, ttl time.Duration) *RedisConversationCache {
	return &RedisConversationCache{
		client: client,
		ttl:    ttl,
	}
}

func conversationsKey(viewerID uuid.UUID) string {
	return fmt.Sprintf("conversations:%s", viewerID)
}

func (c *RedisConversationCache) Get(ctx context.Context, viewerID uuid.UUID) ([]models.Conversation, bool, error) {
	data, err := c.client.Get(ctx, conversationsKey(viewerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var conversations []models.Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, false, fmt.Errorf("decode cached conversations: %w", err)
	}
	return conversations, true, nil
}

func (c *RedisConversationCache) Set(ctx context.Context, viewerID uuid.UUID, conversations []models.Conversation) error {
	data, err := json.Marshal(conversations)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, conversationsKey(viewerID), data, c.ttl).Err()
}

func (c *RedisConversationCache) Invalidate(ctx context.Context, viewerIDs ...uuid.UUID) error {
	if len(viewerIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(viewerIDs))
	for _, viewerID := range viewerIDs {
		keys = append(keys, conversationsKey(viewerID))
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisConversationCache) Close() error {
	return c.client.Close()
}
