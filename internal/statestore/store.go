// Package statestore provides the shared state primitives behind user
// contexts, room aggregates, membership sets, and capped histories.
// Two backends exist: a Redis-backed store for deployments and an
// in-process store for tests and single-node runs.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend I/O failure. Message-path callers
// propagate it up to the gateway boundary; background monitors catch
// it, log it, and keep polling.
var ErrUnavailable = errors.New("state store unavailable")

// ErrNoUpdate aborts an UpdateJSON round trip without writing.
// UpdateJSON returns nil in that case.
var ErrNoUpdate = errors.New("no update")

// ErrConflict is returned when an optimistic update keeps losing the
// race past its retry budget.
var ErrConflict = errors.New("concurrent update conflict")

// Store is the state backend shared by every manager. Implementations
// must be safe for concurrent use. Atomicity of individual operations
// is the backend's job; multi-step invariants belong to the callers.
type Store interface {
	// GetJSON unmarshals the value at key into dst. The bool reports
	// whether the key existed.
	GetJSON(ctx context.Context, key string, dst any) (bool, error)

	// SetJSON marshals val and stores it at key. A zero ttl means no
	// expiry.
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error

	// UpdateJSON applies fn to the current raw value (nil when the key
	// is missing) and stores the result with the given ttl. Concurrent
	// writers are detected and the round trip is retried. fn may return
	// ErrNoUpdate to leave the key untouched.
	UpdateJSON(ctx context.Context, key string, ttl time.Duration, fn func(raw []byte) (any, error)) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// SAdd adds members to the set at key, creating it if missing.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key. A missing key
	// yields an empty slice.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard returns the size of the set at key.
	SCard(ctx context.Context, key string) (int64, error)

	// PushTrim marshals vals, prepends them to the list at key (newest
	// first), and trims the list to limit entries.
	PushTrim(ctx context.Context, key string, limit int64, vals ...any) error

	// LRange returns raw list entries between start and stop inclusive,
	// newest first. Negative indices count from the end.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
