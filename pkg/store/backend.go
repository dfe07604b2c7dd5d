// Package store is the shared key/value state used by every server and
// worker process: sessions, tasks, history and admission counters.
package store

import (
	"context"
	"time"
)

// Backend is the key/value primitive set the Store is built on. Keys expire
// as a whole; an expired key reads as absent.
type Backend interface {
	// HSet writes fields into the hash at key and resets the key's TTL.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// HGetAll returns all fields of the hash at key, or an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HUpdate runs fn on the current hash contents while holding a per-key
	// lock. A non-nil map returned by fn is merged in and the TTL reset.
	// An error from fn aborts the update and is returned unchanged.
	HUpdate(ctx context.Context, key string, ttl time.Duration, fn func(current map[string]string) (map[string]string, error)) error

	// LPush prepends value to the list at key and resets the key's TTL.
	LPush(ctx context.Context, key, value string, ttl time.Duration) error
	// LRange returns up to limit values, newest first. limit <= 0 means all.
	LRange(ctx context.Context, key string, limit int) ([]string, error)

	// Del removes keys of any type and returns how many existed.
	Del(ctx context.Context, keys ...string) (int, error)
	// DelPrefix removes every hash and list key starting with prefix.
	DelPrefix(ctx context.Context, prefix string) (int, error)
	// Keys lists live hash and list keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// CountKeys counts live hash and list keys starting with prefix.
	CountKeys(ctx context.Context, prefix string) (int, error)

	// WindowAdd records one event at key unless limit events already fall
	// inside the trailing window. Check and record are atomic.
	WindowAdd(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, err error)
	// IncrBounded increments the counter at key unless it already reached
	// max. The counter expires after ttl without updates.
	IncrBounded(ctx context.Context, key string, max int64, ttl time.Duration) (allowed bool, value int64, err error)
	// Decr decrements the counter at key, never below zero.
	Decr(ctx context.Context, key string) (int64, error)
	// Counter reads the counter at key (zero when absent).
	Counter(ctx context.Context, key string) (int64, error)

	// PurgeExpired physically removes expired entries.
	PurgeExpired(ctx context.Context) (int64, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
