package coordination

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const SweepLeaderKey = "leader:presence_sweep"

// Pruner removes gym members whose climber record no longer exists.
type Pruner interface {
	PruneStale(ctx context.Context) (int, error)
}

// Sweeper prunes stale membership on the one instance holding the sweep lease.
type Sweeper struct {
	leader   *LeaderElection
	pruner   Pruner
	interval time.Duration
	clock    clockwork.Clock
	leading  bool
}

// NewSweeper holds the lease for three intervals so a single missed tick does
// not hand leadership to another instance.
func NewSweeper(rdb *goredis.Client, instanceID string, pruner Pruner, interval time.Duration, clock clockwork.Clock) *Sweeper {
	return &Sweeper{
		leader:   NewLeaderElection(rdb, instanceID, SweepLeaderKey, 3*interval),
		pruner:   pruner,
		interval: interval,
		clock:    clock,
	}
}

// Run blocks until ctx is cancelled, then releases the lease if held.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.sweep(ctx)
		case <-ctx.Done():
			if s.leading {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = s.leader.ReleaseLease(releaseCtx)
				cancel()
			}
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if !s.holdLease(ctx) {
		return
	}

	removed, err := s.pruner.PruneStale(ctx)
	if err != nil {
		slog.Warn("Presence sweep failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Pruned stale gym members", "removed", removed)
	}
}

func (s *Sweeper) holdLease(ctx context.Context) bool {
	if s.leading {
		err := s.leader.RenewLease(ctx)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrNotLeader):
			slog.Info("Lost presence sweep leadership")
			s.leading = false
		default:
			slog.Warn("Failed to renew sweep lease", "error", err)
			return false
		}
	}

	ok, err := s.leader.TryBecomeLeader(ctx)
	if err != nil {
		slog.Warn("Failed to acquire sweep lease", "error", err)
		return false
	}
	if ok {
		slog.Info("Acquired presence sweep leadership")
	}
	s.leading = ok
	return ok
}
