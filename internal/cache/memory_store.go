package cache

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 构建驻留内存的 Storage，进程退出即丢失。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	name string
	now  func() time.Time

	mu      sync.RWMutex
	entries []*Entry
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.stores[name]
	if store == nil {
		store = &memoryStore{name: name, now: time.Now}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	return true, nil
}

func (m *memoryStore) Name() string {
	return m.name
}

func (m *memoryStore) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	key := KeyFor(req)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		if entry.Key.Matches(key, opts) {
			return entry.Response(req), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryStore) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	entry, err := newEntry(req, resp, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.entries {
		if existing.Key == entry.Key {
			m.entries[i] = entry
			return nil
		}
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	key := KeyFor(req)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := false
	for _, entry := range m.entries {
		if entry.Key.Matches(key, opts) {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	m.entries = kept
	return removed, nil
}

func (m *memoryStore) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, len(m.entries))
	for i, entry := range m.entries {
		keys[i] = entry.Key
	}
	return keys, nil
}
