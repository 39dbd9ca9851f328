// Package api implements the development collector's HTTP API.
//
// New(store, stats) returns an http.Handler that serves:
//
//	GET /api/v1/health                   state, stored event count, last id
//	GET /api/v1/events?after=ID&limit=N  live events in arrival order
//	GET /api/v1/stats                    connection, window, ack and drop counters
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. Stale events are excluded from lists.
package api
