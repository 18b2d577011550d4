// Package kv abstracts the shared key-value store holding sequence and
// idempotency state. The store must provide atomic check-and-set semantics
// because multiple ingress processes run concurrently; in-process locking
// is not enough in a horizontally scaled deployment.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the capability interface over the shared key-value service.
// All operations honor the context deadline; a zero TTL means no expiry.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL unconditionally writes key=value with the given TTL.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent writes key=value only if the key does not exist.
	// Returns true if the write happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces old with new atomically. A missing key
	// matches old == "". Returns true if the swap happened.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Ping verifies connectivity to the backing service.
	Ping(ctx context.Context) error
}
