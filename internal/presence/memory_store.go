package presence

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/domain"
)

// MemoryStore is a process-local PresenceStore for running a single instance
// without Redis. Expired records drop out of their gym together with the
// membership entry.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	gyms    map[string]map[string]struct{}
	records map[string]memoryRecord
}

type memoryRecord struct {
	record    domain.ClimberRecord
	gymID     string
	expiresAt time.Time
}

var _ domain.PresenceStore = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		gyms:    make(map[string]map[string]struct{}),
		records: make(map[string]memoryRecord),
	}
}

func (s *MemoryStore) Join(_ context.Context, gymID string, record domain.ClimberRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A user is a member of at most one gym.
	if prev, ok := s.records[record.UserID]; ok && prev.gymID != gymID {
		s.removeMember(prev.gymID, record.UserID)
	}

	members, ok := s.gyms[gymID]
	if !ok {
		members = make(map[string]struct{})
		s.gyms[gymID] = members
	}
	members[record.UserID] = struct{}{}
	s.records[record.UserID] = memoryRecord{record: record, gymID: gymID, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Leave(_ context.Context, gymID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeMember(gymID, userID)
	delete(s.records, userID)
	return nil
}

func (s *MemoryStore) Record(_ context.Context, userID string) (*domain.ClimberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(userID)
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	r := rec.record
	return &r, nil
}

func (s *MemoryStore) SaveRecord(_ context.Context, gymID string, record domain.ClimberRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(record.UserID); !ok {
		return domain.ErrRecordNotFound
	}
	s.records[record.UserID] = memoryRecord{record: record, gymID: gymID, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, gymID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire()
	members := make([]string, 0, len(s.gyms[gymID]))
	for id := range s.gyms[gymID] {
		members = append(members, id)
	}
	slices.Sort(members)
	return members, nil
}

func (s *MemoryStore) Records(_ context.Context, userIDs []string) ([]domain.ClimberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]domain.ClimberRecord, 0, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := s.live(id); ok {
			records = append(records, rec.record)
		}
	}
	return records, nil
}

func (s *MemoryStore) MemberCount(_ context.Context, gymID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire()
	return int64(len(s.gyms[gymID])), nil
}

func (s *MemoryStore) ActiveGyms(_ context.Context) ([]domain.GymActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire()
	active := make([]domain.GymActivity, 0, len(s.gyms))
	for gymID, members := range s.gyms {
		active = append(active, domain.GymActivity{GymID: gymID, ActiveCount: int64(len(members))})
	}
	slices.SortFunc(active, func(a, b domain.GymActivity) int { return strings.Compare(a.GymID, b.GymID) })
	return active, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// live returns the record for userID, evicting it if it has expired.
// Callers hold s.mu.
func (s *MemoryStore) live(userID string) (memoryRecord, bool) {
	rec, ok := s.records[userID]
	if !ok {
		return memoryRecord{}, false
	}
	if !s.clock.Now().Before(rec.expiresAt) {
		s.removeMember(rec.gymID, userID)
		delete(s.records, userID)
		return memoryRecord{}, false
	}
	return rec, true
}

func (s *MemoryStore) expire() {
	for id := range s.records {
		s.live(id)
	}
}

func (s *MemoryStore) removeMember(gymID, userID string) {
	members, ok := s.gyms[gymID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(s.gyms, gymID)
	}
}
