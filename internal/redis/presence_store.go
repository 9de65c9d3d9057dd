package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pscheid92/topout/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	gymKeyPrefix     = "gym:"
	gymKeySuffix     = ":climbers"
	climberKeyPrefix = "climber:"
	currentGymPrefix = "climber_gym:"
	scanBatch        = 100
)

func gymClimbersKey(gymID string) string { return gymKeyPrefix + gymID + gymKeySuffix }
func climberKey(userID string) string    { return climberKeyPrefix + userID }
func currentGymKey(userID string) string { return currentGymPrefix + userID }

// joinScript moves a user into a gym. The set of the gym recorded in KEYS[3]
// loses the user first, so a user is a member of at most one gym.
// KEYS: [1]=gym set, [2]=climber record, [3]=current gym
// ARGV: [1]=user_id, [2]=gym_id, [3]=record, [4]=ttl_ms, [5]=gym key prefix, [6]=gym key suffix
var joinScript = goredis.NewScript(`
local prev = redis.call('GET', KEYS[3])
if prev and prev ~= ARGV[2] then
  redis.call('SREM', ARGV[5] .. prev .. ARGV[6], ARGV[1])
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[4])
return 1
`)

// gymIDFromKey reverses gymClimbersKey. Gym ids may themselves contain ':'.
func gymIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, gymKeyPrefix) || !strings.HasSuffix(key, gymKeySuffix) {
		return "", false
	}
	id := key[len(gymKeyPrefix) : len(key)-len(gymKeySuffix)]
	return id, id != ""
}

// PresenceStore keeps gym membership and climber records in Redis.
type PresenceStore struct {
	rdb *goredis.Client
}

var _ domain.PresenceStore = (*PresenceStore)(nil)

func NewPresenceStore(rdb *goredis.Client) *PresenceStore {
	return &PresenceStore{rdb: rdb}
}

func (s *PresenceStore) Join(ctx context.Context, gymID string, record domain.ClimberRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode climber record: %w", err)
	}

	keys := []string{gymClimbersKey(gymID), climberKey(record.UserID), currentGymKey(record.UserID)}
	err = joinScript.Run(ctx, s.rdb, keys,
		record.UserID,
		gymID,
		data,
		strconv.FormatInt(max(ttl.Milliseconds(), 1), 10),
		gymKeyPrefix,
		gymKeySuffix,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to join gym %s: %w", gymID, err)
	}
	return nil
}

func (s *PresenceStore) Leave(ctx context.Context, gymID, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, gymClimbersKey(gymID), userID)
		pipe.Del(ctx, climberKey(userID), currentGymKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to leave gym %s: %w", gymID, err)
	}
	return nil
}

func (s *PresenceStore) Record(ctx context.Context, userID string) (*domain.ClimberRecord, error) {
	data, err := s.rdb.Get(ctx, climberKey(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get climber record: %w", err)
	}

	var record domain.ClimberRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode climber record: %w", err)
	}
	return &record, nil
}

// SaveRecord uses SET XX so a record that expired or was removed by a
// concurrent leave is not resurrected.
func (s *PresenceStore) SaveRecord(ctx context.Context, gymID string, record domain.ClimberRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode climber record: %w", err)
	}

	var set *goredis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		set = pipe.SetXX(ctx, climberKey(record.UserID), data, ttl)
		pipe.Expire(ctx, gymClimbersKey(gymID), ttl)
		pipe.Expire(ctx, currentGymKey(record.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save climber record: %w", err)
	}
	if !set.Val() {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (s *PresenceStore) Members(ctx context.Context, gymID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, gymClimbersKey(gymID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members of gym %s: %w", gymID, err)
	}
	return members, nil
}

func (s *PresenceStore) Records(ctx context.Context, userIDs []string) ([]domain.ClimberRecord, error) {
	records := make([]domain.ClimberRecord, 0, len(userIDs))
	if len(userIDs) == 0 {
		return records, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = climberKey(id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get climber records: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record domain.ClimberRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			slog.Warn("Skipping undecodable climber record", "user_id", userIDs[i], "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *PresenceStore) MemberCount(ctx context.Context, gymID string) (int64, error) {
	n, err := s.rdb.SCard(ctx, gymClimbersKey(gymID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count members of gym %s: %w", gymID, err)
	}
	return n, nil
}

// ActiveGyms lists every gym with at least one member, ordered by gym id.
func (s *PresenceStore) ActiveGyms(ctx context.Context) ([]domain.GymActivity, error) {
	gyms, err := s.gymIDs(ctx)
	if err != nil {
		return nil, err
	}

	active := []domain.GymActivity{}
	for _, gymID := range gyms {
		n, err := s.MemberCount(ctx, gymID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			active = append(active, domain.GymActivity{GymID: gymID, ActiveCount: n})
		}
	}
	return active, nil
}

// PruneStale removes members whose record no longer exists, which happens when
// a process dies without running the leave path. It returns how many were removed.
func (s *PresenceStore) PruneStale(ctx context.Context) (int, error) {
	gyms, err := s.gymIDs(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, gymID := range gyms {
		members, err := s.Members(ctx, gymID)
		if err != nil {
			return removed, err
		}
		if len(members) == 0 {
			continue
		}

		keys := make([]string, len(members))
		for i, id := range members {
			keys[i] = climberKey(id)
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to get climber records: %w", err)
		}

		var stale []any
		for i, value := range values {
			if value == nil {
				stale = append(stale, members[i])
			}
		}
		if len(stale) == 0 {
			continue
		}

		n, err := s.rdb.SRem(ctx, gymClimbersKey(gymID), stale...).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to prune gym %s: %w", gymID, err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *PresenceStore) gymIDs(ctx context.Context) ([]string, error) {
	var gyms []string
	iter := s.rdb.Scan(ctx, 0, gymKeyPrefix+"*"+gymKeySuffix, scanBatch).Iterator()
	for iter.Next(ctx) {
		if id, ok := gymIDFromKey(iter.Val()); ok {
			gyms = append(gyms, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan gyms: %w", err)
	}

	// SCAN may return a key more than once.
	slices.Sort(gyms)
	return slices.Compact(gyms), nil
}

func (s *PresenceStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
