package engine

import (
	"context"
	"sort"
	"sync"
)

// MemStore is the in-process record store. Writes are mirrored to disk in
// the background when a Persistence is attached.
type MemStore struct {
	mu sync.RWMutex
	// Structure: [collection][key]value
	data      map[string]map[string][]byte
	seq       map[string]uint64
	persister *Persistence
	wg        sync.WaitGroup
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and an optional persister.
func NewMemStore(initialData map[string]map[string][]byte, p *Persistence) *MemStore {
	if initialData == nil {
		initialData = make(map[string]map[string][]byte)
	}
	return &MemStore{
		data:      initialData,
		seq:       make(map[string]uint64),
		persister: p,
	}
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// Close flushes pending persistence.
func (m *MemStore) Close() error {
	m.Wait()
	return nil
}

func (m *MemStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := checkCall(ctx, collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(val), nil
}

func (m *MemStore) List(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := checkCall(ctx, collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data[collection] {
		if q.match(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if q.Descending {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if q.Limit > 0 && len(keys) > q.Limit {
		keys = keys[:q.Limit]
	}

	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, Record{Key: k, Value: cloneBytes(m.data[collection][k])})
	}
	return out, nil
}

func (m *MemStore) Put(ctx context.Context, collection, key string, value []byte) error {
	_, err := m.Update(ctx, collection, key, func([]byte, bool) ([]byte, error) {
		return value, nil
	})
	return err
}

func (m *MemStore) Update(ctx context.Context, collection, key string, fn UpdateFunc) ([]byte, error) {
	if err := checkCall(ctx, collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	cur, exists := m.data[collection][key]
	next, err := fn(cloneBytes(cur), exists)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.data[collection] == nil {
		m.data[collection] = make(map[string][]byte)
	}
	m.data[collection][key] = cloneBytes(next)
	m.persistLocked(collection)
	m.mu.Unlock()

	return next, nil
}

func (m *MemStore) Delete(ctx context.Context, collection, key string) error {
	if err := checkCall(ctx, collection); err != nil {
		return err
	}
	m.mu.Lock()
	if c, ok := m.data[collection]; ok {
		if _, ok := c[key]; ok {
			delete(c, key)
			m.persistLocked(collection)
		}
	}
	m.mu.Unlock()
	return nil
}

// persistLocked snapshots a collection and saves it in the background.
// It MUST be called while holding m.mu.Lock.
func (m *MemStore) persistLocked(collection string) {
	if m.persister == nil {
		return
	}
	m.seq[collection]++
	seq := m.seq[collection]
	data := m.copyCollection(collection)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.persister.SaveCollection(collection, seq, data)
	}()
}

// copyCollection creates a copy of one collection's key map.
// It MUST be called while holding m.mu.Lock or m.mu.RLock.
func (m *MemStore) copyCollection(collection string) map[string][]byte {
	original := m.data[collection]
	out := make(map[string][]byte, len(original))
	for k, v := range original {
		out[k] = v
	}
	return out
}

func checkCall(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !KnownCollection(collection) {
		return ErrUnknownCollection
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
