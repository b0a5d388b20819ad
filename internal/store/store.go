// Package store is the narrow key-value gateway the runtime reads snapshots
// from and writes results to.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has not been populated.
	ErrNotFound = errors.New("key not found")
	// ErrTimeout is returned when a gateway call exceeds its deadline.
	ErrTimeout = errors.New("store call timed out")
)

// Gateway reads and writes opaque values by key.
type Gateway interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}
