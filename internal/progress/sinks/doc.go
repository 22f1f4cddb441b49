// Package sinks implements progress consumers for structured logging,
// Prometheus metrics and the persisted session history.
package sinks
