package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id      uuid.UUID
	mu      sync.Mutex
	msgs    []string
	sendErr error
	closed  chan string
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: uuid.New(), closed: make(chan string, 1)}
}

func (p *fakePeer) ID() uuid.UUID { return p.id }

func (p *fakePeer) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.msgs = append(p.msgs, string(msg))
	return nil
}

func (p *fakePeer) Close(reason string) {
	select {
	case p.closed <- reason:
	default:
	}
}

func (p *fakePeer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.msgs...)
}

type hookLog struct {
	mu     sync.Mutex
	events []string
}

func (h *hookLog) first(gymID string) { h.add("first:" + gymID) }
func (h *hookLog) empty(gymID string) { h.add("empty:" + gymID) }

func (h *hookLog) add(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, s)
}

func (h *hookLog) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newTestRegistry(t *testing.T, maxViewers int) (*Registry, *hookLog) {
	t.Helper()
	hooks := &hookLog{}
	r := NewRegistry(hooks.first, hooks.empty, clockwork.NewFakeClock(), maxViewers)
	t.Cleanup(r.Stop)
	return r, hooks
}

// settle waits until every command queued before it has been processed.
func settle(r *Registry) { r.ViewerCount("") }

func TestRegistry_BroadcastReachesGymViewers(t *testing.T) {
	r, _ := newTestRegistry(t, 10)
	a, b, other := newFakePeer(), newFakePeer(), newFakePeer()

	require.NoError(t, r.Subscribe("G1", a))
	require.NoError(t, r.Subscribe("G1", b))
	require.NoError(t, r.Subscribe("G2", other))

	r.Broadcast("G1", domain.NewClimberLeft("alex"))
	settle(r)

	expected := []string{`{"event":"climber_left","data":{"user_id":"alex"}}`}
	assert.Equal(t, expected, a.received())
	assert.Equal(t, expected, b.received())
	assert.Empty(t, other.received())
}

func TestRegistry_BroadcastToEmptyGym(t *testing.T) {
	r, hooks := newTestRegistry(t, 10)

	r.Broadcast("nobody-here", domain.NewClimberLeft("alex"))
	settle(r)

	assert.Empty(t, hooks.list())
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r, hooks := newTestRegistry(t, 10)
	p := newFakePeer()

	require.NoError(t, r.Subscribe("G1", p))
	require.NoError(t, r.Subscribe("G1", p))
	assert.Equal(t, 1, r.ViewerCount("G1"))

	r.Broadcast("G1", domain.NewClimberLeft("alex"))
	settle(r)
	assert.Len(t, p.received(), 1)
	assert.Equal(t, []string{"first:G1"}, hooks.list())
}

func TestRegistry_UnsubscribeUnknownIsSafe(t *testing.T) {
	r, hooks := newTestRegistry(t, 10)
	p := newFakePeer()

	r.Unsubscribe("G1", uuid.New())
	require.NoError(t, r.Subscribe("G1", p))
	r.Unsubscribe("G1", uuid.New())
	r.Unsubscribe("G2", p.ID())

	assert.Equal(t, 1, r.ViewerCount("G1"))
	assert.Equal(t, []string{"first:G1"}, hooks.list())
}

func TestRegistry_Hooks(t *testing.T) {
	r, hooks := newTestRegistry(t, 10)
	a, b := newFakePeer(), newFakePeer()

	require.NoError(t, r.Subscribe("G1", a))
	require.NoError(t, r.Subscribe("G1", b))
	r.Unsubscribe("G1", a.ID())
	settle(r)
	assert.Equal(t, []string{"first:G1"}, hooks.list())

	r.Unsubscribe("G1", b.ID())
	settle(r)
	assert.Equal(t, []string{"first:G1", "empty:G1"}, hooks.list())
	assert.Equal(t, 0, r.ViewerCount("G1"))

	require.NoError(t, r.Subscribe("G1", a))
	assert.Equal(t, []string{"first:G1", "empty:G1", "first:G1"}, hooks.list())
}

func TestRegistry_FailedSendPrunesOnlyThatPeer(t *testing.T) {
	r, hooks := newTestRegistry(t, 10)
	healthy, slow, gone := newFakePeer(), newFakePeer(), newFakePeer()
	slow.sendErr = domain.ErrPeerSlow
	gone.sendErr = domain.ErrPeerClosed

	for _, p := range []*fakePeer{healthy, slow, gone} {
		require.NoError(t, r.Subscribe("G1", p))
	}

	r.Broadcast("G1", domain.NewClimberLeft("alex"))
	assert.Equal(t, 1, r.ViewerCount("G1"))
	assert.Len(t, healthy.received(), 1)
	assert.Equal(t, "Send failed", <-slow.closed)
	assert.Equal(t, "Send failed", <-gone.closed)

	// Pruned peers get nothing further.
	slow.sendErr = nil
	r.Broadcast("G1", domain.NewClimberLeft("sam"))
	settle(r)
	assert.Len(t, healthy.received(), 2)
	assert.Empty(t, slow.received())
	assert.Equal(t, []string{"first:G1"}, hooks.list())
}

func TestRegistry_PruningLastPeerEmptiesGym(t *testing.T) {
	r, hooks := newTestRegistry(t, 10)
	p := newFakePeer()
	p.sendErr = domain.ErrPeerClosed

	require.NoError(t, r.Subscribe("G1", p))
	r.Broadcast("G1", domain.NewClimberLeft("alex"))
	settle(r)

	assert.Equal(t, []string{"first:G1", "empty:G1"}, hooks.list())
}

func TestRegistry_GymCapacity(t *testing.T) {
	r, _ := newTestRegistry(t, 2)

	require.NoError(t, r.Subscribe("G1", newFakePeer()))
	require.NoError(t, r.Subscribe("G1", newFakePeer()))
	assert.ErrorIs(t, r.Subscribe("G1", newFakePeer()), domain.ErrGymFull)
	assert.NoError(t, r.Subscribe("G2", newFakePeer()))
	assert.Equal(t, 2, r.ViewerCount("G1"))
}

func TestRegistry_StopClosesEveryone(t *testing.T) {
	hooks := &hookLog{}
	r := NewRegistry(hooks.first, hooks.empty, clockwork.NewFakeClock(), 10)
	a, b := newFakePeer(), newFakePeer()
	require.NoError(t, r.Subscribe("G1", a))
	require.NoError(t, r.Subscribe("G2", b))

	r.Stop()
	r.Stop()

	assert.Equal(t, "Server shutting down", <-a.closed)
	assert.Equal(t, "Server shutting down", <-b.closed)
	assert.ElementsMatch(t, []string{"first:G1", "first:G2", "empty:G1", "empty:G2"}, hooks.list())

	assert.ErrorIs(t, r.Subscribe("G1", newFakePeer()), domain.ErrRegistryStopped)
	assert.Equal(t, -1, r.ViewerCount("G1"))
	r.Broadcast("G1", domain.NewClimberLeft("alex"))
	r.Unsubscribe("G1", a.ID())
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r, _ := newTestRegistry(t, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gymID := fmt.Sprintf("G%d", i%3)
			p := newFakePeer()
			for j := 0; j < 20; j++ {
				_ = r.Subscribe(gymID, p)
				r.Broadcast(gymID, domain.NewClimberLeft("alex"))
				r.Unsubscribe(gymID, p.ID())
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, r.ViewerCount(fmt.Sprintf("G%d", i)))
	}
}
