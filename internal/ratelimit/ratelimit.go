// Package ratelimit provides a pluggable request rate limiting interface.
//
// Braid limits authenticated REST traffic per user; the stream layer carries
// its own frame and turn caps. A single-process deployment uses the in-memory
// token bucket (MemoryLimiter). Multi-instance deployments can substitute a
// shared-store implementation — Limiter is the contract.
package ratelimit

import "context"

// Limiter decides whether the request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Keys are opaque;
	// the HTTP layer uses the caller's user UUID. An error signals a
	// limiter malfunction and callers fail open rather than drop traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
