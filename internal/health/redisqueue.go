package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var _ Queue = (*RedisQueue)(nil)

const DefaultRedisKey = "facegate:registration_queue"

// RedisQueue stores entries as JSON in a Redis list (RPUSH / LPOP).
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, r QueuedRegistration) (int, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("health: encode queued registration: %w", err)
	}
	n, err := q.client.RPush(ctx, q.key, data).Result()
	if err != nil {
		return 0, fmt.Errorf("health: redis rpush: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) List(ctx context.Context) ([]QueuedRegistration, error) {
	raw, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("health: redis lrange: %w", err)
	}
	out := make([]QueuedRegistration, 0, len(raw))
	for _, item := range raw {
		var r QueuedRegistration
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("health: decode queued registration: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (q *RedisQueue) Peek(ctx context.Context) (QueuedRegistration, error) {
	raw, err := q.client.LIndex(ctx, q.key, 0).Result()
	return decodeHead(raw, err, "lindex")
}

func (q *RedisQueue) Pop(ctx context.Context) (QueuedRegistration, error) {
	raw, err := q.client.LPop(ctx, q.key).Result()
	return decodeHead(raw, err, "lpop")
}

func decodeHead(raw string, err error, op string) (QueuedRegistration, error) {
	if errors.Is(err, redis.Nil) {
		return QueuedRegistration{}, ErrQueueEmpty
	}
	if err != nil {
		return QueuedRegistration{}, fmt.Errorf("health: redis %s: %w", op, err)
	}
	var r QueuedRegistration
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return QueuedRegistration{}, fmt.Errorf("health: decode queued registration: %w", err)
	}
	return r, nil
}

func (q *RedisQueue) Clear(ctx context.Context) (int, error) {
	var llen *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, q.key)
		pipe.Del(ctx, q.key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("health: redis clear: %w", err)
	}
	return int(llen.Val()), nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("health: redis llen: %w", err)
	}
	return int(n), nil
}

// Ping checks connectivity to Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
