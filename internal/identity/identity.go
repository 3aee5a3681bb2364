// Package identity resolves durable user identity and records
// aggregate activity counters. The engagement core touches it at two
// points only: ghost reconciliation on join and counter updates on
// the message path.
package identity

import (
	"context"
	"time"
)

// Resolver is the durable identity collaborator.
type Resolver interface {
	// Resolve reports whether a user id exists.
	Resolve(ctx context.Context, userID string) (bool, error)

	// Upsert records a sighting of a user, creating the row if new and
	// refreshing display name and last-seen otherwise.
	Upsert(ctx context.Context, userID, displayName string) error

	// RecordMessage bumps the user's lifetime message counter.
	RecordMessage(ctx context.Context, userID string) error

	// AddEngagement adjusts the user's engagement score by delta.
	AddEngagement(ctx context.Context, userID string, delta int) error

	// CountActiveSince returns how many users were seen at or after
	// the given instant.
	CountActiveSince(ctx context.Context, since time.Time) (int64, error)

	Close() error
}

// Null is the no-op Resolver used when no durable store is configured.
// Every id resolves, so ghost reconciliation prunes nothing.
type Null struct{}

func (Null) Resolve(context.Context, string) (bool, error) { return true, nil }

func (Null) Upsert(context.Context, string, string) error { return nil }

func (Null) RecordMessage(context.Context, string) error { return nil }

func (Null) AddEngagement(context.Context, string, int) error { return nil }

func (Null) CountActiveSince(context.Context, time.Time) (int64, error) { return 0, nil }

func (Null) Close() error { return nil }
