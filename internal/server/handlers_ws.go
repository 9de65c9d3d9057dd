package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/topout/internal/broadcast"
	"github.com/pscheid92/topout/internal/domain"
	apperrors "github.com/pscheid92/topout/internal/errors"
	"github.com/pscheid92/topout/internal/logging"
	"github.com/pscheid92/topout/internal/metrics"
	"github.com/pscheid92/topout/internal/presence"
)

const (
	endpointClimb = "climb"
	endpointGym   = "gym"

	// CloseUnauthorized is sent to climbers whose token does not verify.
	CloseUnauthorized = 4001

	maxMessageSize    = 4096
	relayReadyTimeout = 2 * time.Second
	shutdownReason    = "Server shutting down"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // native apps and widgets send no matching Origin
	},
}

// admit applies the connection limits. The returned release must be called
// when the connection ends.
func (s *Server) admit(c echo.Context, endpoint string) (func(), error) {
	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues(endpoint, "rejected").Inc()
		if reason == LimitReasonGlobal {
			return nil, apperrors.UnavailableError("server at connection capacity", nil)
		}
		return nil, apperrors.RateLimitedError("too many connections").WithField("reason", string(reason))
	}
	return func() { s.limits.Release(ip) }, nil
}

func (s *Server) upgrade(c echo.Context, endpoint string) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		metrics.WebSocketConnectionsTotal.WithLabelValues(endpoint, "upgrade_failed").Inc()
		return nil, false
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, true
}

// handleClimb serves one climber. The token is checked after the upgrade so
// the client can tell an auth failure (close code 4001) from a network error.
func (s *Server) handleClimb(c echo.Context) error {
	release, err := s.admit(c, endpointClimb)
	if err != nil {
		return err
	}
	defer release()

	conn, ok := s.upgrade(c, endpointClimb)
	if !ok {
		return nil
	}
	ctx := c.Request().Context()
	writer := broadcast.NewWriter(conn, s.clock)

	userID, err := s.verifier.Verify(c.QueryParam("token"))
	if err != nil {
		metrics.WebSocketConnectionsRejected.WithLabelValues("unauthorized").Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues(endpointClimb, "unauthorized").Inc()
		slog.InfoContext(ctx, "Climber handshake rejected", "error", err)
		writer.CloseWithCode(CloseUnauthorized, "Unauthorized")
		return nil
	}

	if !s.climbers.add(writer) {
		writer.CloseWithCode(websocket.CloseGoingAway, shutdownReason)
		return nil
	}
	defer s.climbers.done(writer)

	if err := writer.Start(nil); err != nil {
		writer.CloseWithCode(websocket.CloseInternalServerErr, "")
		return nil
	}
	metrics.WebSocketConnectionsTotal.WithLabelValues(endpointClimb, "accepted").Inc()

	session := presence.NewSession(userID, s.store, s.registry, s.relay, s.sessionCfg)
	logger := logging.WithClimber(userID)
	logger.DebugContext(ctx, "Climber connected", "peer_id", writer.ID())

	defer func() {
		session.Disconnect(ctx)
		writer.Close("")
		logger.DebugContext(ctx, "Climber disconnected", "peer_id", writer.ID())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		writer.ExtendReadDeadline()
		_ = session.Handle(ctx, data)
	}
}

// handleGym serves one viewer: subscribe, snapshot, then live events until
// the viewer goes away.
func (s *Server) handleGym(c echo.Context) error {
	gymID := c.Param("gym_id")
	if gymID == "" {
		return apperrors.ValidationError("gym_id is required")
	}

	release, err := s.admit(c, endpointGym)
	if err != nil {
		return err
	}
	defer release()

	conn, ok := s.upgrade(c, endpointGym)
	if !ok {
		return nil
	}
	ctx := c.Request().Context()
	logger := logging.WithGym(gymID)
	writer := broadcast.NewWriter(conn, s.clock)
	defer writer.Close("")

	// Subscribe before reading the snapshot. Live events in between are
	// queued in the writer and sent after it, so none are lost.
	if err := s.registry.Subscribe(gymID, writer); err != nil {
		reason := shutdownReason
		if errors.Is(err, domain.ErrGymFull) {
			reason = "Gym viewer limit reached"
			metrics.WebSocketConnectionsRejected.WithLabelValues("gym_full").Inc()
		}
		metrics.WebSocketConnectionsTotal.WithLabelValues(endpointGym, "rejected").Inc()
		writer.CloseWithCode(websocket.CloseTryAgainLater, reason)
		return nil
	}
	defer s.registry.Unsubscribe(gymID, writer.ID())

	readyCtx, cancel := context.WithTimeout(ctx, relayReadyTimeout)
	if err := s.relay.Ready(readyCtx, gymID); err != nil {
		logger.WarnContext(ctx, "Relay not ready, viewer may miss events from other instances", "error", err)
	}
	cancel()

	snapshot, err := presence.Snapshot(ctx, s.store, gymID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to build snapshot", "error", err)
		metrics.WebSocketConnectionsTotal.WithLabelValues(endpointGym, "snapshot_failed").Inc()
		writer.CloseWithCode(websocket.CloseInternalServerErr, "Presence unavailable")
		return nil
	}
	data, err := snapshot.Encode()
	if err != nil {
		writer.CloseWithCode(websocket.CloseInternalServerErr, "")
		return nil
	}
	if err := writer.Start(data); err != nil {
		logger.DebugContext(ctx, "Viewer gone before snapshot", "error", err)
		return nil
	}
	metrics.WebSocketConnectionsTotal.WithLabelValues(endpointGym, "accepted").Inc()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
		writer.ExtendReadDeadline()
	}
}
