package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pscheid92/topout/internal/platform/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveness(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(90 * time.Second)

	rec := env.get(t, "/health/live")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string  `json:"status"`
		Uptime float64 `json:"uptime"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.InDelta(t, 90.0, body.Uptime, 0.001)
}

func TestReadiness(t *testing.T) {
	var called []string
	check := func(name string, err error) HealthCheck {
		return HealthCheck{Name: name, Check: func(context.Context) error {
			called = append(called, name)
			return err
		}}
	}

	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   string
		wantCalled []string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready"}`,
		},
		{
			name:       "all healthy",
			checks:     []HealthCheck{check("store", nil), check("relay", nil)},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready"}`,
			wantCalled: []string{"store", "relay"},
		},
		{
			name:       "first failure wins",
			checks:     []HealthCheck{check("store", errors.New("connection refused")), check("relay", nil)},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unhealthy","failed_check":"store","error":"connection refused"}`,
			wantCalled: []string{"store"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = nil
			env := newTestEnv(t, withHealthChecks(tt.checks...))

			rec := env.get(t, "/health/ready")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, tt.wantCalled, called)
		})
	}
}

func TestReadiness_ChecksGetDeadline(t *testing.T) {
	var hasDeadline bool
	env := newTestEnv(t, withHealthChecks(HealthCheck{Name: "store", Check: func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}}))

	require.Equal(t, http.StatusOK, env.get(t, "/health/ready").Code)
	assert.True(t, hasDeadline)
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/version")

	require.Equal(t, http.StatusOK, rec.Code)
	var info version.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, version.Get(), info)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
