package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/banshee-data/rvcomb/internal/timeutil"
)

// MemoryStore is an in-process Store for tests and one-off runs.
type MemoryStore struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{clock: newOptions(opts).clock, records: make(map[string]Record)}
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *MemoryStore) Load(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return &rec, nil
}

func (m *MemoryStore) Store(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UTC()
	if prev, ok := m.records[rec.Key]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	m.records[rec.Key] = cp
	return nil
}

func (m *MemoryStore) Placeholder(ctx context.Context, rec *Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := rec.validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key]; ok {
		return false, nil
	}
	now := m.clock.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	m.records[rec.Key] = cp
	return true, nil
}

func (m *MemoryStore) ListFailures(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Status == StatusFailed {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StarID != out[j].StarID {
			return out[i].StarID < out[j].StarID
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
