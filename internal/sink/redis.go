package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gosuda/toolaudit/internal/domain"
	redisstore "github.com/gosuda/toolaudit/internal/store/redis"
)

// ListPusher appends payloads to a named list.
// *redisstore.List satisfies this interface.
type ListPusher interface {
	Push(ctx context.Context, key string, payloads ...[]byte) (int64, error)
}

// RedisSink appends every entry as JSON to a per-source Redis list
// "<prefix>:<source>".
type RedisSink struct {
	lists  ListPusher
	prefix string
}

// NewRedisSink creates a RedisSink. An empty prefix uses redisstore.DefaultKey.
func NewRedisSink(lists ListPusher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = redisstore.DefaultKey
	}
	return &RedisSink{lists: lists, prefix: prefix}
}

// Name identifies the sink in logs.
func (s *RedisSink) Name() string { return "redis" }

// Send pushes entries, one RPUSH per source, preserving batch order.
func (s *RedisSink) Send(ctx context.Context, entries []*domain.AuditLogEntry) error {
	var order []string
	bySource := make(map[string][][]byte)
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("sink.RedisSink.Send: marshal %s: %w", e.ID, err)
		}
		if _, ok := bySource[e.Source]; !ok {
			order = append(order, e.Source)
		}
		bySource[e.Source] = append(bySource[e.Source], payload)
	}

	for _, source := range order {
		if _, err := s.lists.Push(ctx, redisstore.SourceKey(s.prefix, source), bySource[source]...); err != nil {
			return fmt.Errorf("sink.RedisSink.Send: %w", err)
		}
	}
	return nil
}
