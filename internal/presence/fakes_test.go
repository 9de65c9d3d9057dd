package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/domain"
)

var errStoreDown = errors.New("store unavailable")

type sent struct {
	gymID string
	event domain.Event
}

type recorder struct {
	mu     sync.Mutex
	events []sent
	err    error
}

func (r *recorder) Broadcast(gymID string, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{gymID: gymID, event: event})
}

func (r *recorder) Publish(_ context.Context, gymID string, event domain.Event) error {
	r.Broadcast(gymID, event)
	return r.err
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.event.Type
	}
	return types
}

func (r *recorder) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// flakyStore fails the operations whose error is set.
type flakyStore struct {
	*MemoryStore
	joinErr   error
	leaveErr  error
	recordErr error
	saveErr   error
}

func (s *flakyStore) Join(ctx context.Context, gymID string, record domain.ClimberRecord, ttl time.Duration) error {
	if s.joinErr != nil {
		return s.joinErr
	}
	return s.MemoryStore.Join(ctx, gymID, record, ttl)
}

func (s *flakyStore) Leave(ctx context.Context, gymID, userID string) error {
	if s.leaveErr != nil {
		return s.leaveErr
	}
	return s.MemoryStore.Leave(ctx, gymID, userID)
}

func (s *flakyStore) Record(ctx context.Context, userID string) (*domain.ClimberRecord, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	return s.MemoryStore.Record(ctx, userID)
}

func (s *flakyStore) SaveRecord(ctx context.Context, gymID string, record domain.ClimberRecord, ttl time.Duration) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveRecord(ctx, gymID, record, ttl)
}

type harness struct {
	clock *clockwork.FakeClock
	store *flakyStore
	local *recorder
	relay *recorder
}

func newHarness() *harness {
	clock := clockwork.NewFakeClock()
	return &harness{
		clock: clock,
		store: &flakyStore{MemoryStore: NewMemoryStore(clock)},
		local: &recorder{},
		relay: &recorder{},
	}
}

func (h *harness) session(userID string) *Session {
	return NewSession(userID, h.store, h.local, h.relay, Config{RecordTTL: time.Hour, Placeholder: domain.DefaultNickname})
}

func (h *harness) members(gymID string) []string {
	members, _ := h.store.Members(context.Background(), gymID)
	return members
}
