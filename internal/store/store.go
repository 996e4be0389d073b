// Package store provides the shared expiring key-value store used by the
// admission pipeline. All state that must survive a gateway restart or be
// visible to other gateway instances lives here: the route table, cached
// token records, user profiles, rate-limit counters, and one-time submit
// tokens.
package store

import (
	"context"
	"time"
)

// Store defines the operations the admission pipeline needs from the
// shared expiring store. A miss is reported as ErrKeyNotFound, not as a
// failure; callers treat absence as a normal result.
type Store interface {
	// Get retrieves the string value for the given key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a string value with an expiration. A zero expiration
	// stores the value without a TTL.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// GetDel atomically retrieves and deletes the value for the given key.
	GetDel(ctx context.Context, key string) (string, error)

	// HGet retrieves a single hash field for the given key.
	HGet(ctx context.Context, key, field string) (string, error)

	// TTL returns the remaining time to live for the given key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// Close closes the store and releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key or hash field is not found.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}
