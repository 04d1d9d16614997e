package main

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/gosuda/toolaudit/internal/config"
	"github.com/gosuda/toolaudit/internal/shipper"
	"github.com/gosuda/toolaudit/internal/sink"
	"github.com/gosuda/toolaudit/internal/store/postgres"
	redisstore "github.com/gosuda/toolaudit/internal/store/redis"
)

// newSink connects the configured sink. The returned func releases its
// connections and must be called after the final drain.
func newSink(ctx context.Context, cfg *config.Config) (shipper.Sink, func(), error) {
	switch cfg.Sink.Kind {
	case config.SinkRedis:
		lists, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewRedisSink(lists, cfg.Redis.Key), func() { _ = lists.Close() }, nil

	case config.SinkPostgres:
		if cfg.Sink.MaxConns < 1 || cfg.Sink.MaxConns > math.MaxInt32 {
			return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Sink.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Sink.DatabaseURL, int32(cfg.Sink.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, nil, err
		}
		if err := store.AuditLog().Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return sink.NewPostgresSink(store.AuditLog()), store.Close, nil

	default:
		// Per-request deadlines come from the shipper's RequestTimeout.
		client := &http.Client{}
		return sink.NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.APIKey, cfg.Sink.Format, client), func() {}, nil
	}
}
