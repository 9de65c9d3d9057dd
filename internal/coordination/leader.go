package coordination

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNotLeader = errors.New("not leader")

var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// LeaderElection holds a single-owner lease on a Redis key.
// If the owner stops renewing, the key expires and another instance takes over.
type LeaderElection struct {
	redis      *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLeaderElection(redis *goredis.Client, instanceID, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{redis: redis, instanceID: instanceID, key: key, ttl: ttl}
}

// TryBecomeLeader reports whether this instance acquired the lease.
func (l *LeaderElection) TryBecomeLeader(ctx context.Context) (bool, error) {
	return l.redis.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
}

// RenewLease extends the lease, or returns ErrNotLeader if another instance owns it.
func (l *LeaderElection) RenewLease(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.redis, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLeader
	}
	return nil
}

func (l *LeaderElection) IsLeader(ctx context.Context) (bool, error) {
	owner, err := l.redis.Get(ctx, l.key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == l.instanceID, nil
}

// ReleaseLease gives the lease up if this instance still owns it.
func (l *LeaderElection) ReleaseLease(ctx context.Context) error {
	return releaseScript.Run(ctx, l.redis, []string{l.key}, l.instanceID).Err()
}
