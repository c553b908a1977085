package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoodEggStudios/nice/internal/kv"
)

type mockEntry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

// MockStore implements kv.Store with an in-memory map for testing.
// Expiry follows the injected clock. All methods are safe for concurrent use.
type MockStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]mockEntry

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// failAll, when set, is returned by every operation until cleared.
	failAll error

	calls map[string]int

	// AfterPut, if set, runs after every successful Put outside the lock.
	// Tests use it to simulate a concurrent writer.
	AfterPut func(key string, value []byte)
}

var _ kv.Store = (*MockStore)(nil)

// NewMockStore returns an empty MockStore. A nil now uses time.Now.
func NewMockStore(now func() time.Time) *MockStore {
	if now == nil {
		now = time.Now
	}
	return &MockStore{
		now:     now,
		entries: make(map[string]mockEntry),
		errors:  make(map[string]error),
		calls:   make(map[string]int),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// FailAll makes every operation return err until called again with nil.
func (m *MockStore) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Calls returns how many times the named method was invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockStore) enter(method string) error {
	m.calls[method]++
	if m.failAll != nil {
		return m.failAll
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) live(key string) (mockEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return mockEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return mockEntry{}, false
	}
	return e, true
}

// --- kv.Store ---------------------------------------------------------------

func (m *MockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Get"); err != nil {
		return nil, err
	}
	e, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	return append([]byte{}, e.value...), nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	if err := m.enter("Put"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setLocked(key, value, ttl)
	hook := m.AfterPut
	m.mu.Unlock()

	if hook != nil {
		hook(key, value)
	}
	return nil
}

func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Delete"); err != nil {
		return err
	}
	delete(m.entries, key)
	return nil
}

func (m *MockStore) GetOrCreate(_ context.Context, key string, create func() ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetOrCreate"); err != nil {
		return nil, err
	}
	if e, ok := m.live(key); ok {
		return append([]byte{}, e.value...), nil
	}
	created, err := create()
	if err != nil {
		return nil, err
	}
	m.setLocked(key, created, 0)
	return created, nil
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) setLocked(key string, value []byte, ttl time.Duration) {
	e := mockEntry{value: append([]byte{}, value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
}

// --- Inspection -------------------------------------------------------------

// SetRaw writes a value bypassing hooks and error injection.
func (m *MockStore) SetRaw(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
}

// Raw returns the live value for key, bypassing error injection.
func (m *MockStore) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, false
	}
	return append([]byte{}, e.value...), true
}

// TTL returns the remaining lifetime of key; 0 for keys without expiry.
func (m *MockStore) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(m.now()), true
}

// Keys lists live keys with the given prefix in sorted order.
func (m *MockStore) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
