package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/topout/internal/auth"
	"github.com/pscheid92/topout/internal/broadcast"
	"github.com/pscheid92/topout/internal/config"
	"github.com/pscheid92/topout/internal/coordination"
	"github.com/pscheid92/topout/internal/domain"
	"github.com/pscheid92/topout/internal/presence"
	"github.com/stretchr/testify/require"
)

const (
	testSecret     = "test-secret-0123456789"
	testInstanceID = "instance-test"
	readTimeout    = 2 * time.Second
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		JWTSecret:               testSecret,
		ClimberTTL:              time.Hour,
		AnonymousNickname:       domain.DefaultNickname,
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     100,
		ConnectionRate:          1000,
		ConnectionBurst:         1000,
		MaxViewersPerGym:        100,
		APIRate:                 1000,
		APIBurst:                1000,
	}
}

type recordingRelay struct {
	mu        sync.Mutex
	published []domain.Event
	readyErr  error
}

func (r *recordingRelay) Publish(_ context.Context, _ string, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, event)
	return nil
}

func (r *recordingRelay) Ready(context.Context, string) error { return r.readyErr }

func (r *recordingRelay) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]domain.EventType, 0, len(r.published))
	for _, e := range r.published {
		types = append(types, e.Type)
	}
	return types
}

// brokenStore fails membership reads, which breaks snapshots and listings.
type brokenStore struct {
	*presence.MemoryStore
	err error
}

func (s brokenStore) Members(context.Context, string) ([]string, error) { return nil, s.err }

func (s brokenStore) ActiveGyms(context.Context) ([]domain.GymActivity, error) { return nil, s.err }

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	clock    *clockwork.FakeClock
	store    *presence.MemoryStore
	registry *broadcast.Registry
}

type envOption func(cfg *config.Config, deps *Deps)

func withStore(store domain.PresenceStore) envOption {
	return func(_ *config.Config, deps *Deps) { deps.Store = store }
}

func withRelay(relay Relay) envOption {
	return func(_ *config.Config, deps *Deps) { deps.Relay = relay }
}

func withConfig(mutate func(cfg *config.Config)) envOption {
	return func(cfg *config.Config, _ *Deps) { mutate(cfg) }
}

func withHealthChecks(checks ...HealthCheck) envOption {
	return func(_ *config.Config, deps *Deps) { deps.HealthChecks = checks }
}

func withInstances(lister instanceLister) envOption {
	return func(_ *config.Config, deps *Deps) { deps.Instances = lister }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClock()
	store := presence.NewMemoryStore(clock)
	cfg := testConfig()
	deps := Deps{
		Store:      store,
		Relay:      coordination.DiscardRelay{},
		Verifier:   auth.NewVerifier(testSecret),
		InstanceID: testInstanceID,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	registry := broadcast.NewRegistry(nil, nil, clock, cfg.MaxViewersPerGym)
	deps.Registry = registry
	t.Cleanup(registry.Stop)

	srv := NewServer(cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, clock: clock, store: store, registry: registry}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

// dial opens a websocket, failing the test if the handshake is refused.
func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialRejected expects the handshake to fail and returns the HTTP status.
func (e *testEnv) dialRejected(t *testing.T, path string) int {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), nil)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func (e *testEnv) climber(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	return e.dial(t, "/ws/climb?token="+token(t, userID))
}

func (e *testEnv) viewer(t *testing.T, gymID string) *websocket.Conn {
	t.Helper()
	return e.dial(t, "/ws/gym/"+gymID)
}

func (e *testEnv) members(t *testing.T, gymID string) []string {
	t.Helper()
	members, err := e.store.Members(context.Background(), gymID)
	require.NoError(t, err)
	return members
}

func (e *testEnv) waitForMembers(t *testing.T, gymID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := e.store.MemberCount(context.Background(), gymID)
		return err == nil && n == int64(want)
	}, readTimeout, 5*time.Millisecond)
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

type wireEvent struct {
	Event domain.EventType `json:"event"`
	Data  json.RawMessage  `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func readSnapshot(t *testing.T, conn *websocket.Conn) []domain.ClimberRecord {
	t.Helper()
	ev := readEvent(t, conn)
	require.Equal(t, domain.EventSnapshot, ev.Event)
	var records []domain.ClimberRecord
	require.NoError(t, json.Unmarshal(ev.Data, &records))
	return records
}

// readClose reads until the server's close frame arrives.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}
