// Package metrics holds the shipper's Prometheus instruments.
//
// Every Shipper owns its own registry so several instances (and tests) never
// collide on registration.
package metrics
