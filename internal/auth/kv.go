package auth

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is the key-value capability token sets are kept in.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store whose entries expire after a TTL and
// are evicted least-recently-used past size entries.
type MemoryStore struct {
	cache *expirable.LRU[string, string]
}

// NewMemoryStore creates a MemoryStore. A ttl of zero disables expiry.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryStore{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Save(_ context.Context, key, value string) error {
	m.cache.Add(key, value)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if !m.cache.Remove(key) {
		return ErrNotFound
	}
	return nil
}

// Len returns the number of live entries.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}
