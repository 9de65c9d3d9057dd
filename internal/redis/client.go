package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/topout/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

var startupPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     3 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable yet, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// NewClient creates a go-redis client from a URL (e.g. "redis://localhost:6379"),
// installs the metrics and circuit breaker hooks and waits until the server answers.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&MetricsHook{})
	rdb.AddHook(NewCircuitBreakerHook())

	err = retry.DoVoid(ctx, startupPolicy, retry.Transient, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}
