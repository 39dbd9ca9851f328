// Package ws streams received events to WebSocket clients.
//
// New(stats, interval) creates a Hub. Hub.Publish(entry) pushes one stored
// event to every client; Hub.Run(ctx) sends collector counters every
// interval and closes all connections once ctx is cancelled. Hub.ServeHTTP
// upgrades a request and sends the current counters immediately.
//
// Message format:
//
//	{"kind": "event", "data": { /* one GET /api/v1/events entry */ }}
//	{"kind": "stats", "data": { /* same schema as GET /api/v1/stats */ }}
//
// The upgrader accepts all origins. The collector mounts the hub at
// /ws/stream when its HTTP API is enabled.
package ws
