package scheduler

import (
	"sort"
	"sync"
)

// Registry maps report id to its live timer. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Entry{}}
}

// Put stores e, returning the entry it replaced.
func (r *Registry) Put(id string, e Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.m[id]
	r.m[id] = e
	return prev, ok
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[id]
	return e, ok
}

func (r *Registry) Remove(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Entries returns a copy of every entry ordered by report id.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.m))
	for _, e := range r.m {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReportID < out[j].ReportID })
	return out
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.m))
	for _, e := range r.m {
		out = append(out, e)
	}
	r.m = map[string]Entry{}
	r.mu.Unlock()
	return out
}
