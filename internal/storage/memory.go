package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reportd/internal/report"
)

var _ report.Store = (*MemoryStore)(nil)

// MemoryStore is a fully in-memory report.Store. Safe for concurrent access.
type MemoryStore struct {
	mu     sync.RWMutex
	defs   map[string]report.Definition
	now    func() time.Time
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{defs: make(map[string]report.Definition), now: time.Now}
}

// SetClock overrides the timestamp source (tests).
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Create(_ context.Context, def report.Definition) (report.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return report.Definition{}, report.WrapStore("create", def.ID, ErrClosed)
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if _, ok := m.defs[def.ID]; ok {
		return report.Definition{}, report.WrapStore("create", def.ID, ErrDuplicateID)
	}
	now := m.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	m.defs[def.ID] = def.Clone()
	return def.Clone(), nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (report.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return report.Definition{}, report.WrapStore("find", id, ErrClosed)
	}
	d, ok := m.defs[id]
	if !ok {
		return report.Definition{}, report.WrapStore("find", id, report.ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) FindByIDAndUpdate(_ context.Context, id string, patch report.Patch) (report.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return report.Definition{}, report.WrapStore("update", id, ErrClosed)
	}
	d, ok := m.defs[id]
	if !ok {
		return report.Definition{}, report.WrapStore("update", id, report.ErrNotFound)
	}
	patch.Apply(&d)
	d.UpdatedAt = m.now().UTC()
	m.defs[id] = d
	return d.Clone(), nil
}

func (m *MemoryStore) FindByIDAndDelete(_ context.Context, id string) (report.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return report.Definition{}, report.WrapStore("delete", id, ErrClosed)
	}
	d, ok := m.defs[id]
	if !ok {
		return report.Definition{}, report.WrapStore("delete", id, report.ErrNotFound)
	}
	delete(m.defs, id)
	return d, nil
}

func (m *MemoryStore) Find(_ context.Context, f report.Filter) ([]report.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, report.WrapStore("find", "", ErrClosed)
	}
	out := make([]report.Definition, 0, len(m.defs))
	for _, d := range m.defs {
		if f.Match(d) {
			out = append(out, d.Clone())
		}
	}
	sortDefinitions(out)
	return out, nil
}

func (m *MemoryStore) DeleteMany(_ context.Context, f report.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, report.WrapStore("delete_many", "", ErrClosed)
	}
	n := 0
	for id, d := range m.defs {
		if f.Match(d) {
			delete(m.defs, id)
			n++
		}
	}
	return n, nil
}

// snapshot returns every definition in creation order.
func (m *MemoryStore) snapshot() []report.Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]report.Definition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d.Clone())
	}
	sortDefinitions(out)
	return out
}

// restore puts a definition back verbatim (timestamps included).
func (m *MemoryStore) restore(d report.Definition) {
	m.mu.Lock()
	m.defs[d.ID] = d.Clone()
	m.mu.Unlock()
}

func (m *MemoryStore) forget(id string) {
	m.mu.Lock()
	delete(m.defs, id)
	m.mu.Unlock()
}

func sortDefinitions(defs []report.Definition) {
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.Before(defs[j].CreatedAt)
		}
		return defs[i].ID < defs[j].ID
	})
}

