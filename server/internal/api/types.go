package api

import "github.com/obsidianstack/lumberjack/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State        string `json:"state"`
	StoredEvents int    `json:"stored_events"`
	LastID       uint64 `json:"last_id"`
	Uptime       string `json:"uptime"`
}

// EventResponse is one entry in GET /api/v1/events.
type EventResponse struct {
	ID         uint64      `json:"id"`
	Seq        uint32      `json:"seq"`
	ReceivedAt string      `json:"received_at"` // RFC3339
	Event      types.Event `json:"event"`
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	Connections int64 `json:"connections"`
	Windows     int64 `json:"windows"`
	Events      int64 `json:"events"`
	Acks        int64 `json:"acks"`
	Drops       int64 `json:"drops"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
