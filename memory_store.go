package storesync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements RecordStore in memory. Useful for tests and
// ephemeral sessions where durability is not required.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record // keyed by resource + "/" + id
	actions  []QueuedAction
	meta     map[string]string
	capacity int64
	closed   bool
}

// NewMemoryStore creates an in-memory record store. capacityBytes of
// zero means unlimited.
func NewMemoryStore(capacityBytes int64) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		meta:     make(map[string]string),
		capacity: capacityBytes,
	}
}

func recordKey(resource ResourceType, id string) string {
	return string(resource) + "/" + id
}

func (m *MemoryStore) Get(ctx context.Context, resource ResourceType, id string) (Record, error) {
	rec, err := m.GetAny(ctx, resource, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Deleted {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetAny(ctx context.Context, resource ResourceType, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	rec, ok := m.records[recordKey(resource, id)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListLive(ctx context.Context, resource ResourceType) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var recs []Record
	for _, rec := range m.records {
		if rec.Resource == resource && !rec.Deleted {
			recs = append(recs, rec.Clone())
		}
	}
	return recs, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := time.Now()
	key := recordKey(rec.Resource, rec.ID)
	if existing, ok := m.records[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[key] = rec.Clone()
	return nil
}

func (m *MemoryStore) MarkDeleted(ctx context.Context, resource ResourceType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key := recordKey(resource, id)
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	rec.Deleted = true
	rec.NeedsSync = false
	rec.UpdatedAt = time.Now()
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Purge(ctx context.Context, resource ResourceType, survivingIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	surviving := make(map[string]struct{}, len(survivingIDs))
	for _, id := range survivingIDs {
		surviving[id] = struct{}{}
	}
	now := time.Now()
	for key, rec := range m.records {
		if rec.Resource != resource || rec.Deleted {
			continue
		}
		if _, ok := surviving[rec.ID]; !ok {
			rec.Deleted = true
			rec.NeedsSync = false
			rec.UpdatedAt = now
			m.records[key] = rec
		}
	}
	return nil
}

func (m *MemoryStore) PruneTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var pruned int
	for key, rec := range m.records {
		if rec.Deleted && rec.UpdatedAt.Before(cutoff) {
			delete(m.records, key)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) Export(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec.Clone())
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Resource != recs[j].Resource {
			return recs[i].Resource < recs[j].Resource
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

func (m *MemoryStore) ImportReplace(ctx context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = make(map[string]Record, len(recs))
	for _, rec := range recs {
		m.records[recordKey(rec.Resource, rec.ID)] = rec.Clone()
	}
	return nil
}

func (m *MemoryStore) Usage(ctx context.Context) (StoreUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return StoreUsage{}, ErrClosed
	}
	usage := StoreUsage{
		CapacityBytes: m.capacity,
		RecordCount:   int64(len(m.records)),
		ActionCount:   int64(len(m.actions)),
	}
	for _, rec := range m.records {
		usage.UsedBytes += int64(len(rec.Payload))
	}
	for _, a := range m.actions {
		usage.UsedBytes += int64(len(a.Payload))
	}
	usage.OverCapacity = m.capacity > 0 && usage.UsedBytes > m.capacity
	return usage, nil
}

func (m *MemoryStore) SaveAction(ctx context.Context, action QueuedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	action.Payload = append(json.RawMessage(nil), action.Payload...)
	for i, existing := range m.actions {
		if existing.ID == action.ID {
			m.actions[i] = action
			return nil
		}
	}
	m.actions = append(m.actions, action)
	return nil
}

func (m *MemoryStore) DeleteAction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i, existing := range m.actions {
		if existing.ID == id {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) LoadActions(ctx context.Context) ([]QueuedAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	actions := make([]QueuedAction, len(m.actions))
	copy(actions, m.actions)
	return actions, nil
}

func (m *MemoryStore) GetMeta(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	return m.meta[key], nil
}

func (m *MemoryStore) SetMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.meta[key] = value
	return nil
}

func (m *MemoryStore) DeleteMeta(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.meta, key)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
