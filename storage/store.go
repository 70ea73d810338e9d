// Package storage provides the id-keyed persistence the core delegates to.
//
// Conversations and knowledge chunks are stored as opaque values under
// slash-separated keys ("conversation/<id>", "kb/<base>/chunk/<id>"). Every
// backend offers read-after-write consistency within a process.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("storage: not found")

// Store is the get/set/delete contract used by history and knowledge.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// GetJSON loads and decodes the value stored under key.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var v T
	data, err := s.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return v, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// Open returns the store for a configured backend name.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(dataDir)
	case "file":
		return NewFileStore(dataDir)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
