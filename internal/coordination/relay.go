package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/domain"
	"github.com/pscheid92/topout/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	channelPrefix    = "gym:"
	resubscribeDelay = time.Second
)

func gymChannel(gymID string) string { return channelPrefix + gymID }

// Sink receives events published by other instances for a watched gym.
type Sink func(gymID string, event domain.Event)

// envelope is the relay wire format. Origin lets an instance skip events it
// published itself, since it already delivered them to its own viewers.
type envelope struct {
	Origin string           `json:"origin"`
	Event  domain.EventType `json:"event"`
	Data   json.RawMessage  `json:"data"`
}

// Relay publishes live events to Redis pub/sub and holds one subscription
// per gym that has local viewers.
type Relay struct {
	rdb        *goredis.Client
	instanceID string
	sink       Sink
	clock      clockwork.Clock

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
}

var _ domain.EventPublisher = (*Relay)(nil)

func NewRelay(rdb *goredis.Client, instanceID string, sink Sink, clock clockwork.Clock) *Relay {
	return &Relay{
		rdb:        rdb,
		instanceID: instanceID,
		sink:       sink,
		clock:      clock,
		watches:    make(map[string]*watch),
	}
}

func (r *Relay) Publish(ctx context.Context, gymID string, event domain.Event) error {
	payload, err := r.encode(event)
	if err != nil {
		metrics.RelayPublishedTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := r.rdb.Publish(ctx, gymChannel(gymID), payload).Err(); err != nil {
		metrics.RelayPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish %s for gym %s: %w", event.Type, gymID, err)
	}
	metrics.RelayPublishedTotal.WithLabelValues("success").Inc()
	return nil
}

func (r *Relay) encode(event domain.Event) ([]byte, error) {
	if !event.Type.IsLive() {
		return nil, fmt.Errorf("event %q is not relayed", event.Type)
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event.Type, err)
	}
	return json.Marshal(envelope{Origin: r.instanceID, Event: event.Type, Data: data})
}

// Watch starts relaying events for gymID into the sink. It does not block;
// use Ready to wait for the subscription to be confirmed. Watching a gym
// twice is a no-op.
func (r *Relay) Watch(gymID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watches[gymID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel, ready: make(chan struct{}), done: make(chan struct{})}
	r.watches[gymID] = w
	go r.run(ctx, gymID, w)
}

// Unwatch drops the subscription for gymID without waiting for it to close.
func (r *Relay) Unwatch(gymID string) {
	r.mu.Lock()
	w, ok := r.watches[gymID]
	delete(r.watches, gymID)
	r.mu.Unlock()

	if ok {
		w.cancel()
	}
}

// Ready blocks until the subscription for gymID is confirmed by Redis.
// It returns immediately when the gym is not watched.
func (r *Relay) Ready(ctx context.Context, gymID string) error {
	r.mu.Lock()
	w, ok := r.watches[gymID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-w.ready:
		return nil
	case <-w.done:
		return errors.New("relay subscription closed before it was ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watched reports whether gymID currently has a subscription.
func (r *Relay) Watched(gymID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watches[gymID]
	return ok
}

// Stop closes every subscription and waits for their goroutines to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	watches := r.watches
	r.watches = make(map[string]*watch)
	r.mu.Unlock()

	for _, w := range watches {
		w.cancel()
	}
	for _, w := range watches {
		<-w.done
	}
}

func (r *Relay) run(ctx context.Context, gymID string, w *watch) {
	defer close(w.done)

	ps := r.rdb.Subscribe(ctx, gymChannel(gymID))
	defer func() { _ = ps.Close() }()

	for {
		_, err := ps.Receive(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Relay subscribe failed, retrying", "gym_id", gymID, "error", err)
		select {
		case <-r.clock.After(resubscribeDelay):
		case <-ctx.Done():
			return
		}
	}
	close(w.ready)

	metrics.RelayActiveSubscriptions.Inc()
	defer metrics.RelayActiveSubscriptions.Dec()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.deliver(gymID, msg.Payload)
		}
	}
}

func (r *Relay) deliver(gymID, payload string) {
	event, origin, err := decode(payload)
	if err != nil {
		metrics.RelayReceivedTotal.WithLabelValues("invalid").Inc()
		slog.Debug("Dropping invalid relay message", "gym_id", gymID, "error", err)
		return
	}
	if origin == r.instanceID {
		metrics.RelayReceivedTotal.WithLabelValues("own").Inc()
		return
	}
	metrics.RelayReceivedTotal.WithLabelValues("delivered").Inc()
	r.sink(gymID, event)
}

func decode(payload string) (domain.Event, string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return domain.Event{}, "", fmt.Errorf("failed to decode envelope: %w", err)
	}
	if !env.Event.IsLive() {
		return domain.Event{}, "", fmt.Errorf("unexpected event %q", env.Event)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.Event{}, "", fmt.Errorf("event %q has no data", env.Event)
	}
	return domain.Event{Type: env.Event, Data: env.Data}, env.Origin, nil
}

// DiscardRelay stands in for the relay when the process runs alone.
type DiscardRelay struct{}

func (DiscardRelay) Publish(context.Context, string, domain.Event) error { return nil }
func (DiscardRelay) Watch(string)                                       {}
func (DiscardRelay) Unwatch(string)                                     {}
func (DiscardRelay) Ready(context.Context, string) error                { return nil }
func (DiscardRelay) Stop()                                              {}
