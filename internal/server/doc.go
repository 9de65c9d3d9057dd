// Package server is the echo HTTP layer.
//
// Websocket routes: /ws/climb (climber uploads, JWT in the token query
// parameter) and /ws/gym/:gym_id (viewers). JSON routes live under /api,
// probes under /health, plus /version and /metrics.
package server
