package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/topout/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// CircuitBreakerHook fails Redis calls fast while the server is unhealthy.
//
// Presence data is live state, so there is no cached fallback: an open circuit
// surfaces as a store error and the caller treats it like any other outage.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook opens after 60% failures over at least 5 calls in a 10s
// window, probes again after 30s and closes on the first successful probe.
func NewCircuitBreakerHook() *CircuitBreakerHook {
	return newCircuitBreakerHook(30 * time.Second)
}

func newCircuitBreakerHook(delay time.Duration) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("redis", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("redis dial rejected: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		h.record(err)
		if err != nil {
			return nil, fmt.Errorf("redis dial failed: %w", err)
		}
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis %s rejected: %w", cmd.Name(), circuitbreaker.ErrOpen)
		}
		err := next(ctx, cmd)
		h.record(err)
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis pipeline rejected: %w", circuitbreaker.ErrOpen)
		}
		err := next(ctx, cmds)
		h.record(err)
		return err
	}
}

// record counts server and network failures only. A missing key and a caller
// that gave up are not signs of an unhealthy server.
func (h *CircuitBreakerHook) record(err error) {
	switch {
	case err == nil, errors.Is(err, goredis.Nil):
		h.cb.RecordSuccess()
	case errors.Is(err, context.Canceled):
		h.cb.RecordSuccess()
	default:
		h.cb.RecordError(err)
	}
}

// State returns the current breaker state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
