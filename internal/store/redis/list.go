package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the list audit entries are pushed to when none is configured.
const DefaultKey = "toolaudit:entries"

// List appends payloads to Redis lists.
type List struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*List, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &List{client: client}, nil
}

func (l *List) Close() error {
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("redis.List.Close: %w", err)
	}
	return nil
}

// Push appends payloads to key with a single RPUSH and returns the new list length.
func (l *List) Push(ctx context.Context, key string, payloads ...[]byte) (int64, error) {
	if len(payloads) == 0 {
		return 0, nil
	}

	values := make([]any, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}

	n, err := l.client.RPush(ctx, key, values...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis.List.Push: %w", err)
	}
	return n, nil
}

// SourceKey returns the per-source list key under prefix.
func SourceKey(prefix, source string) string {
	return prefix + ":" + source
}
