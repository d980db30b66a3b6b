package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Retry budget shared by the backends that detect write conflicts.
const (
	conflictRetries   = 5
	conflictBaseDelay = 5 * time.Millisecond
)

// isPgRetriable returns true for Postgres error codes that indicate a transient conflict.
func isPgRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// isRedisRetriable returns true when a WATCHed key changed before EXEC.
func isRedisRetriable(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}

// WithRetry executes fn, retrying up to maxRetries times on Postgres
// serialization or deadlock errors.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	return retry(ctx, maxRetries, baseDelay, isPgRetriable, fn)
}

// retry executes fn, retrying while retriable(err) holds. Retries use
// jittered exponential backoff starting at baseDelay.
func retry(ctx context.Context, maxRetries int, baseDelay time.Duration, retriable func(error) bool, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
