package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("Key was not found")

// Store is the key/value backend the dispatcher executes requests against.
//
// Stores are driven from the single reactor goroutine and are not safe for
// concurrent use.
type Store interface {
	Exists(ctx context.Context, key string) bool
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error

	Close() error
}

// Snapshotter is implemented by stores that can dump and load their whole
// content.
type Snapshotter interface {
	Restore(values []byte) error
	Backup() ([]byte, error)
}
