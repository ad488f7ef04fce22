package port

import (
	"context"

	"TokenVault/internal/token"
)

// SnapshotSource opens point-in-time views of the ledger's unconsumed token
// states for this party.
type SnapshotSource interface {
	OpenSnapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is a consistent, paged read of unconsumed token states.
type Snapshot interface {
	// Cursor is the ledger sequence the snapshot reflects. Every update with
	// a sequence <= Cursor is already contained in it.
	Cursor() int64

	// NextPage returns the next batch of records; an empty batch means the
	// snapshot is exhausted.
	NextPage(ctx context.Context) ([]token.Record, error)

	Close() error
}
