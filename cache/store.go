package cache

import (
	"context"
	"errors"
)

// DeletedVersion is the sentinel stored for deleted entities. It is never replaced by a
// set-if-higher.
const DeletedVersion int64 = -1

var ErrNotFound = errors.New("entity not found")

// VersionStore holds the authoritative latest version per entity key, shared by all processes.
type VersionStore interface {
	// Get returns the stored version; ok is false if the key is unknown.
	Get(ctx context.Context, key string) (version int64, ok bool, err error)
	// SetIfHigher atomically raises the stored version to version, never lowering it, and returns
	// the version stored afterwards.
	SetIfHigher(ctx context.Context, key string, version int64) (int64, error)
	// MarkDeleted stores the deleted sentinel.
	MarkDeleted(ctx context.Context, key string) error
	Close() error
}
