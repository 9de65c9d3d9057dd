package redis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pscheid92/topout/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// MetricsHook records operation counts, latencies and dial failures.
type MetricsHook struct{}

var _ goredis.Hook = (*MetricsHook)(nil)

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			metrics.RedisConnectionErrors.Inc()
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		observe(cmd.Name(), err, start)
		return err
	}
}

// ProcessPipelineHook counts a pipeline or MULTI/EXEC block as one operation.
func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		observe("pipeline", err, start)
		return err
	}
}

func observe(operation string, err error, start time.Time) {
	status := "success"
	if err != nil && !errors.Is(err, goredis.Nil) {
		status = "error"
	}
	metrics.RedisOpsTotal.WithLabelValues(operation, status).Inc()
	metrics.RedisOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
