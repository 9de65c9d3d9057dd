package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/domain"
	"github.com/pscheid92/topout/internal/metrics"
)

const (
	commandTimeout  = 5 * time.Second
	commandCapacity = 1024
	depthWarning    = commandCapacity * 8 / 10
)

// Peer is one viewer connection as the registry sees it.
type Peer interface {
	ID() uuid.UUID
	// Send queues msg without blocking.
	Send(msg []byte) error
	Close(reason string)
}

type gymPeers map[uuid.UUID]Peer

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type subscribeCmd struct {
	baseRegistryCmd
	gymID string
	peer  Peer
	reply chan error
}

type unsubscribeCmd struct {
	baseRegistryCmd
	gymID  string
	peerID uuid.UUID
}

type broadcastCmd struct {
	baseRegistryCmd
	gymID string
	event domain.EventType
	data  []byte
}

type viewerCountCmd struct {
	baseRegistryCmd
	gymID string
	reply chan int
}

type stopCmd struct {
	baseRegistryCmd
}

// Registry maps gym ids to the viewers attached to this process.
type Registry struct {
	cmdCh            chan registryCmd
	clock            clockwork.Clock
	gyms             map[string]gymPeers
	onFirstViewer    func(gymID string)
	onGymEmpty       func(gymID string)
	maxViewersPerGym int
	done             chan struct{}
}

var _ domain.EventBroadcaster = (*Registry)(nil)

// NewRegistry starts the registry goroutine.
// onFirstViewer runs when a gym gets its first local viewer and onGymEmpty when
// its last one leaves. Both run on the registry goroutine and must not block or
// call back into the registry.
func NewRegistry(onFirstViewer, onGymEmpty func(gymID string), clock clockwork.Clock, maxViewersPerGym int) *Registry {
	r := &Registry{
		cmdCh:            make(chan registryCmd, commandCapacity),
		clock:            clock,
		gyms:             make(map[string]gymPeers),
		onFirstViewer:    onFirstViewer,
		onGymEmpty:       onGymEmpty,
		maxViewersPerGym: maxViewersPerGym,
		done:             make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) send(cmd registryCmd) bool {
	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// Subscribe attaches peer to gymID. Subscribing the same peer twice is a no-op.
// Returns domain.ErrGymFull when the gym is at capacity.
func (r *Registry) Subscribe(gymID string, peer Peer) error {
	reply := make(chan error, 1)
	if !r.send(subscribeCmd{gymID: gymID, peer: peer, reply: reply}) {
		return domain.ErrRegistryStopped
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-r.done:
		return domain.ErrRegistryStopped
	case <-timer.Chan():
		return fmt.Errorf("subscribe command timed out after %v", commandTimeout)
	}
}

// Unsubscribe detaches a peer. Unknown peers are ignored.
func (r *Registry) Unsubscribe(gymID string, peerID uuid.UUID) {
	r.send(unsubscribeCmd{gymID: gymID, peerID: peerID})
}

// Broadcast queues event for every viewer of gymID. The event is encoded once
// here, outside the registry goroutine.
func (r *Registry) Broadcast(gymID string, event domain.Event) {
	data, err := event.Encode()
	if err != nil {
		slog.Error("Failed to encode broadcast event", "gym_id", gymID, "event", event.Type, "error", err)
		return
	}
	r.send(broadcastCmd{gymID: gymID, event: event.Type, data: data})
}

// ViewerCount returns the number of local viewers of gymID, or -1 if the
// registry did not answer.
func (r *Registry) ViewerCount(gymID string) int {
	reply := make(chan int, 1)
	if !r.send(viewerCountCmd{gymID: gymID, reply: reply}) {
		return -1
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-r.done:
		return -1
	case <-timer.Chan():
		slog.Warn("ViewerCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every viewer and waits for the registry goroutine to exit.
// Calling Stop more than once is safe.
func (r *Registry) Stop() {
	if r.send(stopCmd{}) {
		<-r.done
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Registry panic recovered", "panic", p)
			metrics.RegistryPanicsTotal.Inc()
			r.closeAll("Internal error")
		}
	}()

	depthTicker := r.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(r.cmdCh)
			metrics.RegistryCommandChannelDepth.Set(float64(depth))
			if depth > depthWarning {
				slog.Warn("Registry command channel near capacity", "depth", depth, "capacity", cap(r.cmdCh))
			}

		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case subscribeCmd:
				c.reply <- r.handleSubscribe(c)
			case unsubscribeCmd:
				r.handleUnsubscribe(c.gymID, c.peerID)
			case broadcastCmd:
				r.handleBroadcast(c)
			case viewerCountCmd:
				c.reply <- len(r.gyms[c.gymID])
			case stopCmd:
				r.closeAll("Server shutting down")
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (r *Registry) handleSubscribe(c subscribeCmd) error {
	peers, exists := r.gyms[c.gymID]
	if _, ok := peers[c.peer.ID()]; ok {
		return nil
	}
	if len(peers) >= r.maxViewersPerGym {
		slog.Warn("Rejecting viewer: gym at capacity", "gym_id", c.gymID, "max_viewers", r.maxViewersPerGym)
		return domain.ErrGymFull
	}

	if !exists {
		peers = make(gymPeers)
		r.gyms[c.gymID] = peers
		if r.onFirstViewer != nil {
			r.onFirstViewer(c.gymID)
		}
	}
	peers[c.peer.ID()] = c.peer

	metrics.RegistryActiveGyms.Set(float64(len(r.gyms)))
	metrics.RegistryConnectedViewers.Inc()
	slog.Debug("Viewer subscribed", "gym_id", c.gymID, "peer_id", c.peer.ID(), "viewers", len(peers))
	return nil
}

func (r *Registry) handleUnsubscribe(gymID string, peerID uuid.UUID) bool {
	peers, ok := r.gyms[gymID]
	if !ok {
		return false
	}
	if _, ok := peers[peerID]; !ok {
		return false
	}

	delete(peers, peerID)
	metrics.RegistryConnectedViewers.Dec()

	if len(peers) == 0 {
		delete(r.gyms, gymID)
		metrics.RegistryActiveGyms.Set(float64(len(r.gyms)))
		if r.onGymEmpty != nil {
			r.onGymEmpty(gymID)
		}
		slog.Debug("Last viewer left gym", "gym_id", gymID)
	}
	return true
}

// handleBroadcast delivers to every peer and prunes the ones that failed
// once the loop is done, so removal never interferes with iteration.
func (r *Registry) handleBroadcast(c broadcastCmd) {
	peers, ok := r.gyms[c.gymID]
	if !ok {
		return
	}
	metrics.RegistryBroadcastsTotal.WithLabelValues(string(c.event)).Inc()

	var failed []Peer
	var reasons []string
	for _, peer := range peers {
		if err := peer.Send(c.data); err != nil {
			failed = append(failed, peer)
			reasons = append(reasons, pruneReason(err))
		}
	}

	for i, peer := range failed {
		slog.Debug("Pruning viewer after failed send", "gym_id", c.gymID, "peer_id", peer.ID(), "reason", reasons[i])
		metrics.RegistryPrunedPeers.WithLabelValues(reasons[i]).Inc()
		r.handleUnsubscribe(c.gymID, peer.ID())
		// Closing waits for the peer's writer; keep the registry goroutine free.
		go peer.Close("Send failed")
	}
}

func pruneReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPeerSlow):
		return "slow"
	case errors.Is(err, domain.ErrPeerClosed):
		return "closed"
	default:
		return "error"
	}
}

func (r *Registry) closeAll(reason string) {
	total := 0
	for gymID, peers := range r.gyms {
		for _, peer := range peers {
			peer.Close(reason)
			total++
		}
		delete(r.gyms, gymID)
		if r.onGymEmpty != nil {
			r.onGymEmpty(gymID)
		}
	}
	metrics.RegistryActiveGyms.Set(0)
	metrics.RegistryConnectedViewers.Set(0)
	slog.Info("Registry closed all viewers", "viewers", total, "reason", reason)
}
