package store

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrUnavailable means the backend could not be reached in time.
	// Callers degrade: they continue without persistence.
	ErrUnavailable = errors.New("state store unavailable")

	// ErrNotFound means the key is absent or expired.
	ErrNotFound = errors.New("not found")

	// ErrStaleUpdate means a task update carried a sequence number at or
	// below the stored one.
	ErrStaleUpdate = errors.New("stale task update")

	// ErrInvalidTransition means a task update would leave a terminal state
	// or move backwards.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrCorrupt means a stored record could not be decoded.
	ErrCorrupt = errors.New("corrupt record")
)

// unavailable logs a backend failure and wraps it in ErrUnavailable.
// Domain errors pass through unchanged.
func unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleUpdate) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrCorrupt) {
		return err
	}
	slog.Warn("State store operation failed", "op", op, "key", key, "error", err)
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrUnavailable, err)
}
