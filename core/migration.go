package core

import (
	"context"
	"time"
)

// MigrationRecord is one applied migration as stored in the history table.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// MigrationStore persists migration history and executes migration bodies.
// Apply and Revert must run the SQL and the bookkeeping change atomically.
type MigrationStore interface {
	// History returns applied migrations, most recent first. limit <= 0 means all.
	History(ctx context.Context, limit int) ([]MigrationRecord, error)
	Apply(ctx context.Context, version string, sql string) error
	Revert(ctx context.Context, version string, sql string) error
}
