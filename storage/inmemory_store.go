package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrClosed = errors.New("Store is closed")

type InmemoryStore struct {
	values map[string][]byte

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values: make(map[string][]byte),
		stop:   make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	if i.isRunning() {
		close(i.stop)
	}

	return nil
}

func (i *InmemoryStore) Exists(ctx context.Context, key string) bool {
	_, ok := i.values[key]
	return ok
}

func (i *InmemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	value, ok := i.values[key]
	if !ok {
		return nil, ErrNotFound
	}

	return value, nil
}

// Write stores a copy of value, replacing any previous value.
func (i *InmemoryStore) Write(ctx context.Context, key string, value []byte) error {
	if !i.isRunning() {
		return ErrClosed
	}

	i.values[key] = append(make([]byte, 0, len(value)), value...)
	return nil
}

func (i *InmemoryStore) Len() int {
	return len(i.values)
}

// Restore replaces the content of the store with a JSON document produced by
// Backup. Values are base64 encoded strings.
func (i *InmemoryStore) Restore(snapshot []byte) error {
	if !gjson.ValidBytes(snapshot) {
		return errors.New("Snapshot is not valid JSON")
	}

	values := make(map[string][]byte)
	var err error

	gjson.ParseBytes(snapshot).ForEach(func(key, value gjson.Result) bool {
		var decoded []byte
		decoded, err = base64.StdEncoding.DecodeString(value.String())
		if err != nil {
			err = fmt.Errorf("Failed to decode value of %q: %w", key.String(), err)
			return false
		}

		values[key.String()] = decoded
		return true
	})

	if err != nil {
		return err
	}

	i.values = values
	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	snapshot := []byte("{}")

	for key, value := range i.values {
		var err error
		snapshot, err = sjson.SetBytes(snapshot, key, base64.StdEncoding.EncodeToString(value))
		if err != nil {
			return nil, fmt.Errorf("Failed to back up %q: %w", key, err)
		}
	}

	return snapshot, nil
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
var _ Snapshotter = (*InmemoryStore)(nil)
