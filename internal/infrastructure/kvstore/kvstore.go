// Package kvstore abstracts the byte-keyed storage collaborator. Keys are
// opaque byte strings; range scans iterate a key prefix in ascending order.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound distinguishes a missing key from other I/O errors so callers
// can treat "new customer" as a legitimate case.
var ErrNotFound = errors.New("kvstore: key not found")

// KV is the minimal contract every backend satisfies. A single Put/Get/Delete
// is atomic per key; there are no multi-key transactions.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// Scan visits every key with the given prefix in ascending key order.
	// Returning a non-nil error from fn stops the scan and propagates.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	Close() error
}
