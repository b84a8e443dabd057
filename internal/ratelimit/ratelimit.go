// Package ratelimit bounds how fast a single clinician can hit the query
// surface. A single-node deployment is served by the in-process token
// bucket (MemoryLimiter); multi-node sites substitute a shared
// implementation behind the Limiter interface.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is
	// opaque — here it is the user_id from the verified token, so each
	// clinician gets an independent budget. Returning an error signals a
	// limiter malfunction; callers fail open (permit the request) rather
	// than blocking clinical traffic.
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
