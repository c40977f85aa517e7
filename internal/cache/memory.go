package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used by tests and `--cache memory`.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Store(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.ID = int64(len(m.records) + 1)
	rec.CreatedAt = m.now().UTC()
	m.records = append(m.records, cloneRecord(rec))
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Lookup(_ context.Context, key Key) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Success && m.records[i].Key() == key {
			rec := cloneRecord(m.records[i])
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Recent(_ context.Context, domain, pageURL string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if rec.BaseDomain != domain || (pageURL != "" && rec.PageURL != pageURL) {
			continue
		}
		out = append(out, cloneRecord(rec))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error { return nil }

// cloneRecord copies rec so callers never share Tags with the store.
func cloneRecord(rec Record) Record {
	rec.Tags = append([]string(nil), rec.Tags...)
	return rec
}
