package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// MemoryStore keeps everything in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	def       record.Definition
	installed bool
	records   map[string]record.Record
	revisions map[string][]Revision
}

func NewMemoryStore(def record.Definition) (*MemoryStore, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{def: def}, nil
}

func (m *MemoryStore) Definition() *record.Definition {
	return &m.def
}

func (m *MemoryStore) Install(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		m.installed = true
		m.records = make(map[string]record.Record)
		m.revisions = make(map[string][]Revision)
	}
	return true, nil
}

func (m *MemoryStore) Uninstall(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return false, nil
	}
	m.installed = false
	m.records = nil
	m.revisions = nil
	return true, nil
}

func (m *MemoryStore) Add(_ context.Context, records ...record.Record) ([]string, error) {
	ids, recs, err := prepareAdd(&m.def, records)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return nil, ErrNotInstalled
	}
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			return nil, fmt.Errorf("%w: %q", ErrExists, id)
		}
	}
	for i, id := range ids {
		m.records[id] = recs[i]
	}
	return ids, nil
}

func (m *MemoryStore) Create(values ...record.Record) ([]*record.Data, error) {
	return createData(&m.def, values)
}

func (m *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	f, err := filter.normalize()
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.installed {
		return 0, ErrNotInstalled
	}
	n := 0
	for _, rec := range m.records {
		if f.matches(rec) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.installed {
		return false, ErrNotInstalled
	}
	_, ok := m.records[id]
	return ok, nil
}

func (m *MemoryStore) Fetch(_ context.Context, opts FetchOptions) ([]record.Record, error) {
	q, err := parseQuery(opts)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.installed {
		return nil, ErrNotInstalled
	}
	var candidates []record.Record
	if q.ids != nil {
		for _, id := range q.ids {
			if rec, ok := m.records[id]; ok {
				candidates = append(candidates, rec.Clone())
			}
		}
	} else {
		candidates = make([]record.Record, 0, len(m.records))
		for _, rec := range m.records {
			candidates = append(candidates, rec.Clone())
		}
		sortByID(&m.def, candidates)
	}
	return q.apply(candidates), nil
}

func (m *MemoryStore) FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error) {
	return fetchData(ctx, m, &m.def, opts)
}

func (m *MemoryStore) Save(_ context.Context, id string, rec record.Record) (bool, error) {
	c := prepareSave(&m.def, id, rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return false, ErrNotInstalled
	}
	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	m.records[id] = c
	return true, nil
}

func (m *MemoryStore) Remove(_ context.Context, sel Selection) (int, error) {
	filter, err := checkSelection(sel)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return 0, ErrNotInstalled
	}
	var targets []string
	if len(sel.IDs) > 0 {
		targets = sel.IDs
	} else {
		for id := range m.records {
			targets = append(targets, id)
		}
	}
	n := 0
	for _, id := range targets {
		rec, ok := m.records[id]
		if !ok || !filter.matches(rec) {
			continue
		}
		delete(m.records, id)
		n++
	}
	return n, nil
}

func (m *MemoryStore) RevisionAdd(_ context.Context, id string, changes revision.Changes) (bool, error) {
	ok, err := checkRevisions(&m.def, changes)
	if !ok {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return false, ErrNotInstalled
	}
	m.revisions[id] = append(m.revisions[id], Revision{
		ID:      id,
		Created: time.Now().UTC(),
		Changes: cloneChanges(changes),
	})
	return true, nil
}

func (m *MemoryStore) Revisions(_ context.Context, id string) ([]Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.installed {
		return nil, ErrNotInstalled
	}
	out := make([]Revision, len(m.revisions[id]))
	for i, r := range m.revisions[id] {
		r.Changes = cloneChanges(r.Changes)
		out[i] = r
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneChanges(c revision.Changes) revision.Changes {
	return revision.Changes(record.Record(c).Clone())
}
