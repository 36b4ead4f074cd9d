package kv

import (
	"context"
	"time"
)

// Store is a key-value medium for small serialized records. Entries expire
// after the TTL given on Put.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

type prefixStore struct {
	store  Store
	prefix string
}

// WithPrefix namespaces every key of the given store.
func WithPrefix(store Store, prefix string) Store {
	return &prefixStore{store: store, prefix: prefix}
}

func (p *prefixStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.store.Put(ctx, p.prefix+key, value, ttl)
}

func (p *prefixStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p *prefixStore) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}
