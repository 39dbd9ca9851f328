// Package store keeps the events received by the development collector in
// memory, in arrival order, with TTL eviction and a size cap.
package store
