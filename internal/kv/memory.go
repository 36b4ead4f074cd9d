package kv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	memoryStoreMaxSize = 60000 // maximum number of entries to keep in memory
	memoryValueMaxSize = 16 * 1024
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryStore struct {
	maxSize       int
	entries       map[string]*memoryEntry
	evictionQueue []string
	mu            sync.Mutex

	nowFunc func() time.Time
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		maxSize: memoryStoreMaxSize,
		entries: make(map[string]*memoryEntry),
		nowFunc: time.Now,
	}
}

func (m *memoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if size := len(value); size > memoryValueMaxSize {
		return fmt.Errorf("value size exceeds maximum of %d bytes: %d", memoryValueMaxSize, size)
	}

	m.mu.Lock()
	defer func() { m.collectGarbage(); m.mu.Unlock() }()

	if _, ok := m.entries[key]; !ok {
		// Enforce maximum size.
		for len(m.entries) >= m.maxSize && len(m.evictionQueue) > 0 {
			oldest := m.evictionQueue[0]
			m.evictionQueue = m.evictionQueue[1:]
			delete(m.entries, oldest)
		}
		m.evictionQueue = append(m.evictionQueue, key)
	}

	m.entries[key] = &memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: m.nowFunc().Add(ttl),
	}
	return nil
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.nowFunc().Before(e.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.collectGarbage()
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) collectGarbage() {
	now := m.nowFunc()
	var evictionQueue []string
	for _, key := range m.evictionQueue {
		e, ok := m.entries[key]
		if !ok {
			continue
		}
		if now.Before(e.expiresAt) {
			evictionQueue = append(evictionQueue, key)
		} else {
			delete(m.entries, key)
		}
	}
	m.evictionQueue = evictionQueue
}
