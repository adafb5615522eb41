package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryDelay is the pause before the single retry of a failed operation.
var RetryDelay = 200 * time.Millisecond

// RetryOnce runs fn and, if it fails with anything but a missing object,
// an invalid key or a cancelled context, runs it one more time.
func RetryOnce(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !retryable(ctx, err) {
		return err
	}

	slog.Warn("storage operation failed, retrying", "op", op, "error", err)

	select {
	case <-time.After(RetryDelay):
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return fn()
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidKey) &&
		!errors.Is(err, context.Canceled)
}
