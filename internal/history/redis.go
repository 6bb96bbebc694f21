package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/protocol"
)

// KeyPrefix is the Redis key prefix for room history lists.
const KeyPrefix = "history:"

// Redis keeps the history in a capped Redis list so that every server
// instance sees the same messages.
type Redis struct {
	rdb   *redis.Client
	key   string
	limit int
}

// NewRedis returns a history for room stored in rdb. The client is owned by
// the caller and is not closed by Close.
func NewRedis(rdb *redis.Client, room string, limit int) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Redis{rdb: rdb, key: KeyPrefix + room, limit: limit}
}

// Append pushes msg, trims the list and reads it back in one transaction.
func (r *Redis) Append(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("history: marshal message: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, int64(-r.limit), -1)
	list := pipe.LRange(ctx, r.key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("history: append: %w", err)
	}
	return decodeList(list.Val())
}

// All returns the stored messages, oldest first.
func (r *Redis) All(ctx context.Context) ([]protocol.Message, error) {
	items, err := r.rdb.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	return decodeList(items)
}

// Close is a no-op; the Redis client belongs to the caller.
func (r *Redis) Close() error {
	return nil
}

func decodeList(items []string) ([]protocol.Message, error) {
	msgs := make([]protocol.Message, 0, len(items))
	for _, item := range items {
		var msg protocol.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("history: decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
