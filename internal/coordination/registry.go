package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey = "instances"
	staleAfter   = 60 * time.Second
)

// InstanceRegistry keeps this instance's heartbeat in a shared hash.
// Instances without a heartbeat for more than a minute are considered gone.
type InstanceRegistry struct {
	redis      *goredis.Client
	instanceID string
	heartbeat  time.Duration
	version    string
	clock      clockwork.Clock
}

type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

func NewInstanceRegistry(redis *goredis.Client, instanceID string, heartbeat time.Duration, version string, clock clockwork.Clock) *InstanceRegistry {
	return &InstanceRegistry{
		redis:      redis,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		clock:      clock,
	}
}

// Start registers immediately and then on every heartbeat.
// Blocks until ctx is cancelled, then unregisters.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	data, err := json.Marshal(InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	})
	if err != nil {
		return
	}

	if err := r.redis.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Instance heartbeat failed", "instance_id", r.instanceID, "error", err)
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.redis.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Failed to unregister instance", "instance_id", r.instanceID, "error", err)
	}
}

// ActiveInstances returns the instances with a recent heartbeat, ordered by id.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	infos := []InstanceInfo{}
	now := r.clock.Now().Unix()
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(staleAfter.Seconds()) {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].InstanceID < infos[j].InstanceID })

	metrics.InstanceRegistrySize.Set(float64(len(infos)))
	return infos, nil
}

func (r *InstanceRegistry) InstanceID() string {
	return r.instanceID
}
