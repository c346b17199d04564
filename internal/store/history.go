package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const historyKeyPrefix = "minipilot:history:" // list of JSON messages, newest first

// RedisHistory keeps the rolling conversation of each chat in Redis.
type RedisHistory struct {
	client    *redis.Client
	ttl       time.Duration
	maxLength int
}

func NewRedisHistory(client *redis.Client, ttl time.Duration, maxLength int) *RedisHistory {
	return &RedisHistory{
		client:    client,
		ttl:       ttl,
		maxLength: maxLength,
	}
}

func (h *RedisHistory) key(chatID string) string {
	return historyKeyPrefix + chatID
}

// Messages returns the stored conversation, oldest first.
func (h *RedisHistory) Messages(ctx context.Context, chatID string) ([]HistoryMessage, error) {
	raw, err := h.client.LRange(ctx, h.key(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	messages := make([]HistoryMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg HistoryMessage
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Add appends messages, trims the list to the configured length and refreshes the TTL.
func (h *RedisHistory) Add(ctx context.Context, chatID string, msgs ...HistoryMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal history message: %w", err)
		}
		values = append(values, data)
	}

	key := h.key(chatID)
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, values...)
	if h.maxLength > 0 {
		pipe.LTrim(ctx, key, 0, int64(h.maxLength-1))
	}
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (h *RedisHistory) Clear(ctx context.Context, chatID string) error {
	if err := h.client.Del(ctx, h.key(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (h *RedisHistory) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
