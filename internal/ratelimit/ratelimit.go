// Package ratelimit paces events per key.
//
// The engine uses it to bound how often a conversation may be introduced to
// a new module, and the HTTP server uses it to bound request rates per
// client. MemoryLimiter serves a single process; RedisLimiter coordinates
// across instances sharing one Redis.
package ratelimit

import (
	"context"
	"log/slog"
)

// Limiter decides whether an event identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the event may proceed and records it.
	// The key is opaque; callers construct it (e.g. "conv:<id>").
	// An error signals a limiter malfunction. Callers treat errors as
	// fail-open rather than blocking.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every event. Used when pacing is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Lazy returns a function that consults limiter for key on its first call
// and returns the same answer on every later call. Nothing is consumed if
// it is never called. Limiter errors are logged and treated as allowed.
//
// Use it inside retryable store transactions so one logical decision
// consumes at most one token.
func Lazy(ctx context.Context, limiter Limiter, key string, logger *slog.Logger) func() bool {
	var (
		decided bool
		allowed bool
	)
	return func() bool {
		if decided {
			return allowed
		}
		decided = true
		ok, err := limiter.Allow(ctx, key)
		if err != nil {
			if logger != nil {
				logger.Warn("ratelimit: limiter error, allowing", "key", key, "error", err)
			}
			ok = true
		}
		allowed = ok
		return allowed
	}
}
