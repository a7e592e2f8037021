package shared

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by PersistentStore.Get for a missing key
var ErrKeyNotFound = errors.New("key not found")

// PersistentStore is the durable key/value layer shared by every tab of
// the same origin. It has no locking; the last write observed wins.
type PersistentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in no particular order
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// CompareAndSwapper is implemented by stores that can replace a value only
// while it still holds an expected one. Engines sharing a store use it to
// claim work without a lock service.
type CompareAndSwapper interface {
	// CompareAndSwap sets key to next if its value equals prev. A missing
	// key never matches.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
}
