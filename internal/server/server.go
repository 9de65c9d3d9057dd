package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/topout/internal/auth"
	"github.com/pscheid92/topout/internal/broadcast"
	"github.com/pscheid92/topout/internal/config"
	"github.com/pscheid92/topout/internal/coordination"
	"github.com/pscheid92/topout/internal/domain"
	"github.com/pscheid92/topout/internal/presence"
	"golang.org/x/sync/singleflight"
)

// Relay is the cross-instance half of fan-out. Ready blocks until events for
// a watched gym are being received.
type Relay interface {
	domain.EventPublisher
	Ready(ctx context.Context, gymID string) error
}

type instanceLister interface {
	ActiveInstances(ctx context.Context) ([]coordination.InstanceInfo, error)
}

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer is wired to. Instances is nil in
// single-instance mode.
type Deps struct {
	Store        domain.PresenceStore
	Registry     *broadcast.Registry
	Relay        Relay
	Verifier     *auth.Verifier
	Instances    instanceLister
	InstanceID   string
	HealthChecks []HealthCheck
	Clock        clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	store      domain.PresenceStore
	registry   *broadcast.Registry
	relay      Relay
	verifier   *auth.Verifier
	instances  instanceLister
	instanceID string

	limits       *ConnectionLimits
	climbers     *climberConns
	sessionCfg   presence.Config
	healthChecks []HealthCheck
	lookups      singleflight.Group
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:       e,
		config:     cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		relay:      deps.Relay,
		verifier:   deps.Verifier,
		instances:  deps.Instances,
		instanceID: deps.InstanceID,
		limits: NewConnectionLimits(
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRate,
			cfg.ConnectionBurst,
			clock,
		),
		climbers:     newClimberConns(),
		sessionCfg:   presence.Config{RecordTTL: cfg.ClimberTTL, Placeholder: cfg.AnonymousNickname},
		healthChecks: deps.HealthChecks,
		clock:        clock,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "instance_id", s.instanceID)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then closes climber connections and
// waits for their presence cleanup. Viewers are closed by the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if err := s.climbers.closeAll(ctx, shutdownReason); err != nil {
		return fmt.Errorf("climber connections still open: %w", err)
	}
	return nil
}
