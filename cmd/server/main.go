package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/auth"
	"github.com/pscheid92/topout/internal/broadcast"
	"github.com/pscheid92/topout/internal/config"
	"github.com/pscheid92/topout/internal/coordination"
	"github.com/pscheid92/topout/internal/domain"
	"github.com/pscheid92/topout/internal/logging"
	"github.com/pscheid92/topout/internal/metrics"
	"github.com/pscheid92/topout/internal/platform/version"
	"github.com/pscheid92/topout/internal/presence"
	"github.com/pscheid92/topout/internal/redis"
	"github.com/pscheid92/topout/internal/server"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

// relay is what main needs from either relay implementation.
type relay interface {
	server.Relay
	Watch(gymID string)
	Unwatch(gymID string)
	Stop()
}

type pingable interface {
	Ping(ctx context.Context) error
}

type components struct {
	store     domain.PresenceStore
	relay     relay
	instances *coordination.InstanceRegistry
	redis     *goredis.Client
	// background runs the heartbeat and sweeper until its context ends.
	background func(ctx context.Context)
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupSingleInstance(clock clockwork.Clock) components {
	slog.Info("REDIS_URL not set, running in single-instance mode")
	return components{
		store:      presence.NewMemoryStore(clock),
		relay:      coordination.DiscardRelay{},
		background: func(context.Context) {},
	}
}

func setupRedis(cfg *config.Config, instanceID string, sink coordination.Sink, clock clockwork.Clock) components {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	store := redis.NewPresenceStore(rdb)
	instances := coordination.NewInstanceRegistry(rdb, instanceID, cfg.InstanceHeartbeat, version.Get().String(), clock)
	sweeper := coordination.NewSweeper(rdb, instanceID, store, cfg.SweepInterval, clock)

	return components{
		store:     store,
		relay:     coordination.NewRelay(rdb, instanceID, sink, clock),
		instances: instances,
		redis:     rdb,
		background: func(ctx context.Context) {
			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); instances.Start(ctx) }()
			go func() { defer wg.Done(); sweeper.Run(ctx) }()
			wg.Wait()
		},
	}
}

func healthChecks(c components) []server.HealthCheck {
	var checks []server.HealthCheck
	if p, ok := c.store.(pingable); ok {
		checks = append(checks, server.HealthCheck{Name: "store", Check: p.Ping})
	}
	return checks
}

func runGracefulShutdown(srv *server.Server, registry *broadcast.Registry, c components, stopBackground func(), backgroundDone <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Climber cleanup runs inside Shutdown and still needs the store and relay.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		registry.Stop()
		c.relay.Stop()

		stopBackground()
		<-backgroundDone

		if c.redis != nil {
			if err := c.redis.Close(); err != nil {
				slog.Error("Failed to close Redis client", "error", err)
			}
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	instanceID := uuid.NewString()
	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "instance_id", instanceID, "version", info.String())

	// The registry and the relay refer to each other: the relay delivers into
	// the registry, the registry's hooks start and stop relay watches.
	var registry *broadcast.Registry
	sink := func(gymID string, event domain.Event) { registry.Broadcast(gymID, event) }

	var c components
	if cfg.SingleInstance() {
		c = setupSingleInstance(clock)
	} else {
		c = setupRedis(cfg, instanceID, sink, clock)
	}

	registry = broadcast.NewRegistry(c.relay.Watch, c.relay.Unwatch, clock, cfg.MaxViewersPerGym)

	deps := server.Deps{
		Store:        c.store,
		Registry:     registry,
		Relay:        c.relay,
		Verifier:     auth.NewVerifier(cfg.JWTSecret),
		InstanceID:   instanceID,
		HealthChecks: healthChecks(c),
		Clock:        clock,
	}
	// Leave Instances nil rather than a typed nil pointer.
	if c.instances != nil {
		deps.Instances = c.instances
	}
	srv := server.NewServer(cfg, deps)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	backgroundDone := make(chan struct{})
	go func() {
		defer close(backgroundDone)
		c.background(bgCtx)
	}()

	done := runGracefulShutdown(srv, registry, c, stopBackground, backgroundDone)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
