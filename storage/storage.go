package storage

import (
	"context"
	"errors"
)

// ErrUnavailable wraps backend failures (network, driver, closed handle).
var ErrUnavailable = errors.New("storage unavailable")

// ErrClosed is returned by adapters after Close.
var ErrClosed = errors.New("storage closed")

// Adapter is a minimal async key/value store.
//
// Get reports ok=false with a nil error for missing keys. Remove of a missing
// key is not an error. Clear removes every key owned by the adapter.
type Adapter interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
