package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/topout/internal/domain"
	"github.com/pscheid92/topout/internal/logging"
	"github.com/pscheid92/topout/internal/metrics"
)

const disconnectTimeout = 5 * time.Second

type Config struct {
	RecordTTL time.Duration
	// Placeholder replaces the nickname of anonymous climbers and fills in a missing one.
	Placeholder string
}

func DefaultConfig() Config {
	return Config{RecordTTL: domain.DefaultRecordTTL, Placeholder: domain.DefaultNickname}
}

// Session is the state machine of one climber connection. It is either
// unjoined or joined to exactly one gym.
type Session struct {
	userID string
	store  domain.PresenceStore
	local  domain.EventBroadcaster
	relay  domain.EventPublisher
	cfg    Config
	logger *slog.Logger

	joined *membership
	closed bool
}

type membership struct {
	gymID  string
	record domain.ClimberRecord
}

func NewSession(userID string, store domain.PresenceStore, local domain.EventBroadcaster, relay domain.EventPublisher, cfg Config) *Session {
	metrics.ClimberSessionsActive.Inc()
	return &Session{
		userID: userID,
		store:  store,
		local:  local,
		relay:  relay,
		cfg:    cfg,
		logger: logging.WithClimber(userID),
	}
}

// GymID returns the joined gym, or "" when unjoined.
func (s *Session) GymID() string {
	if s.joined == nil {
		return ""
	}
	return s.joined.gymID
}

// Handle parses and applies one inbound message. The returned error is
// informational: callers keep the connection open whatever happens.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	action, err := ParseAction(data)
	if err != nil {
		metrics.ClimberActionsTotal.WithLabelValues("unknown", "malformed").Inc()
		s.logger.DebugContext(ctx, "Dropping malformed climber message", "error", err)
		return err
	}

	// Read before dispatch: end and re-join change the joined gym.
	gymID := s.GymID()
	switch a := action.(type) {
	case StartAction:
		gymID = a.GymID
		err = s.Start(ctx, a)
	case HeartRateAction:
		err = s.HeartRate(ctx, a)
	case StatusAction:
		err = s.Status(ctx, a)
	case EndAction:
		err = s.End(ctx)
	}

	result := "ok"
	if err != nil {
		result = "store_error"
		s.logger.WarnContext(ctx, "Climber action failed", "action", action.Name(), "gym_id", gymID, "error", err)
	}
	metrics.ClimberActionsTotal.WithLabelValues(action.Name(), result).Inc()
	return err
}

// Start joins a gym. A session that is already joined leaves its current gym
// first; if that fails the session stays in the current gym and the start is
// dropped.
//
// If the store write fails the session still counts as joined so a later end
// or disconnect cleans up whatever part of the write landed.
func (s *Session) Start(ctx context.Context, a StartAction) error {
	if s.joined != nil {
		if err := s.leave(ctx); err != nil {
			return fmt.Errorf("re-join %s: %w", a.GymID, err)
		}
	}

	nickname := a.Nickname
	if a.Anonymous || nickname == "" {
		nickname = s.cfg.Placeholder
	}
	record := domain.ClimberRecord{
		UserID:    s.userID,
		Nickname:  nickname,
		Anonymous: a.Anonymous,
		Visible:   a.Visible,
		Status:    domain.DefaultStatus,
	}
	s.joined = &membership{gymID: a.GymID, record: record}

	if !record.Visible {
		return nil
	}
	if err := s.store.Join(ctx, a.GymID, record, s.cfg.RecordTTL); err != nil {
		return err
	}
	s.emit(ctx, a.GymID, domain.NewClimberJoined(record))
	return nil
}

func (s *Session) HeartRate(ctx context.Context, a HeartRateAction) error {
	return s.update(ctx, func(rec *domain.ClimberRecord) domain.Event {
		rec.HeartRate = a.Value
		rec.Duration = a.Duration
		return domain.NewHeartRateUpdate(*rec)
	})
}

func (s *Session) Status(ctx context.Context, a StatusAction) error {
	return s.update(ctx, func(rec *domain.ClimberRecord) domain.Event {
		rec.Status = a.Value
		return domain.NewStatusUpdate(*rec)
	})
}

// update applies mutate to the stored record. It is a no-op while unjoined,
// invisible, or once the record has expired.
func (s *Session) update(ctx context.Context, mutate func(*domain.ClimberRecord) domain.Event) error {
	if s.joined == nil || !s.joined.record.Visible {
		return nil
	}
	gymID := s.joined.gymID

	rec, err := s.store.Record(ctx, s.userID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	event := mutate(rec)
	err = s.store.SaveRecord(ctx, gymID, *rec, s.cfg.RecordTTL)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.joined.record = *rec
	if rec.Visible {
		s.emit(ctx, gymID, event)
	}
	return nil
}

// End leaves the joined gym. Calling it while unjoined does nothing.
func (s *Session) End(ctx context.Context) error {
	if s.joined == nil {
		return nil
	}
	return s.leave(ctx)
}

// Disconnect runs the end side effects when the connection goes away. It
// detaches from ctx cancellation so cleanup still runs during teardown.
// Further calls do nothing.
func (s *Session) Disconnect(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	defer metrics.ClimberSessionsActive.Dec()

	if s.joined == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()

	gymID := s.joined.gymID
	if err := s.leave(ctx); err != nil {
		s.logger.WarnContext(ctx, "Cleanup on disconnect failed", "gym_id", gymID, "error", err)
	}
}

// leave keeps the session joined when the store fails, so the next end or
// the final disconnect retries.
func (s *Session) leave(ctx context.Context) error {
	m := s.joined
	if !m.record.Visible {
		s.joined = nil
		return nil
	}
	if err := s.store.Leave(ctx, m.gymID, s.userID); err != nil {
		return fmt.Errorf("failed to leave gym %s: %w", m.gymID, err)
	}
	s.joined = nil
	s.emit(ctx, m.gymID, domain.NewClimberLeft(s.userID))
	return nil
}

// emit fans out locally and relays to other instances. Relay failures only
// cost cross-instance visibility and are never returned.
func (s *Session) emit(ctx context.Context, gymID string, event domain.Event) {
	s.local.Broadcast(gymID, event)

	if err := s.relay.Publish(ctx, gymID, event); err != nil {
		s.logger.WarnContext(ctx, "Relay publish failed", "gym_id", gymID, "event", event.Type, "error", err)
	}
}
