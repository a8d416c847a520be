package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tiercache/tiercache/store"
)

// MockStore is an in-memory OverflowStore for testing. It counts calls per
// operation so tests can assert on backend traffic, and can be told to fail
// persisting specific keys.
type MockStore[T any] struct {
	mu      sync.Mutex
	data    map[string]mockEntry[T]
	failing map[string]error

	InitializeCalls int
	StoreCalls      int
	RetrieveCalls   int
	DeleteCalls     int
	ExistsCalls     int
	ShutdownCalls   int
}

type mockEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewMockStore creates an empty mock store.
func NewMockStore[T any]() *MockStore[T] {
	return &MockStore[T]{
		data:    make(map[string]mockEntry[T]),
		failing: make(map[string]error),
	}
}

// FailStores makes Store return err for the given key.
func (m *MockStore[T]) FailStores(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[key] = err
}

// Len returns the number of stored (possibly expired) entries.
func (m *MockStore[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Put seeds an entry directly, bypassing call counting.
func (m *MockStore[T]) Put(key string, value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = mockEntry[T]{value: value}
}

func (m *MockStore[T]) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitializeCalls++
	return nil
}

func (m *MockStore[T]) Store(_ context.Context, key string, value T, opts ...store.StoreOption) (*store.StoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StoreCalls++

	if err, ok := m.failing[key]; ok {
		return nil, err
	}
	m.data[key] = mockEntry[T]{value: value}
	return &store.StoreResult{Key: key}, nil
}

func (m *MockStore[T]) Retrieve(_ context.Context, key string) (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetrieveCalls++

	var zero T
	e, ok := m.data[key]
	if !ok {
		return zero, false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(time.Now()) {
		return zero, false, nil
	}
	return e.value, true, nil
}

func (m *MockStore[T]) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++

	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *MockStore[T]) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExistsCalls++

	e, ok := m.data[key]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(time.Now()) {
		return false, nil
	}
	return true, nil
}

func (m *MockStore[T]) Stats(_ context.Context) (*store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &store.Stats{TotalEntries: int64(len(m.data))}, nil
}

func (m *MockStore[T]) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCalls++
}
