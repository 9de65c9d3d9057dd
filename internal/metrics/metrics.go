package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Registry Metrics
var (
	// RegistryActiveGyms tracks gyms with at least one local viewer
	RegistryActiveGyms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_active_gyms",
			Help: "Number of gyms with at least one viewer on this instance",
		},
	)

	RegistryConnectedViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_connected_viewers",
			Help: "Number of viewer connections registered on this instance",
		},
	)

	// RegistryPrunedPeers tracks viewers dropped after a failed send
	RegistryPrunedPeers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_pruned_peers_total",
			Help: "Viewer connections pruned from the registry by reason (closed/slow)",
		},
		[]string{"reason"},
	)

	RegistryBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_broadcasts_total",
			Help: "Events fanned out to local viewers by event type",
		},
		[]string{"event"},
	)

	RegistryCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_command_channel_depth",
			Help: "Current registry command channel depth",
		},
	)

	RegistryPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_panics_total",
			Help: "Total registry panic recoveries",
		},
	)
)

// Relay Metrics
var (
	// RelayPublishedTotal tracks events published to other instances by status
	RelayPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Events published to the cross-instance relay by status (success/error)",
		},
		[]string{"status"},
	)

	// RelayReceivedTotal tracks relayed events by outcome
	RelayReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_received_total",
			Help: "Events received from the relay by result (delivered/own/invalid)",
		},
		[]string{"result"},
	)

	RelayActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_subscriptions",
			Help: "Number of per-gym relay subscriptions held by this instance",
		},
	)
)

// Climber Session Metrics
var (
	ClimberSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "climber_sessions_active",
			Help: "Number of authenticated climber connections on this instance",
		},
	)

	// ClimberActionsTotal tracks inbound actions by name and result
	ClimberActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climber_actions_total",
			Help: "Climber actions processed by action and result (ok/malformed/store_error)",
		},
		[]string{"action", "result"},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsTotal tracks connection attempts by endpoint and result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/per_ip_limit/global_limit/unauthorized/gym_full)",
		},
		[]string{"reason"},
	)

	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)
)

// Instance Coordination Metrics
var (
	InstanceRegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instance_registry_size",
			Help: "Number of active instances in the registry",
		},
	)

	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
