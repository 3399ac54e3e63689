package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// JsonFileStore stores a record type as JSON files on disk.
//
// Layout:
//
//	data_dir/
//	  users.json             # id -> record
//	  users_revisions.json   # id -> revision log
type JsonFileStore struct {
	mu  sync.RWMutex
	dir string
	def record.Definition
}

func NewJsonFileStore(dir string, def record.Definition) (*JsonFileStore, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JsonFileStore{dir: dir, def: def}, nil
}

func (s *JsonFileStore) Definition() *record.Definition {
	return &s.def
}

func (s *JsonFileStore) recordsPath() string {
	return filepath.Join(s.dir, s.def.Name+".json")
}

func (s *JsonFileStore) revisionsPath() string {
	return filepath.Join(s.dir, s.def.Name+"_revisions.json")
}

// loadFile decodes path into v. A missing file leaves v untouched and
// reports false.
func (s *JsonFileStore) loadFile(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := decodeJSON(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// saveFile replaces path through a rename so readers never see a partial
// write.
func (s *JsonFileStore) saveFile(path string, data any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *JsonFileStore) loadRecords() (map[string]record.Record, error) {
	recs := map[string]record.Record{}
	found, err := s.loadFile(s.recordsPath(), &recs)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotInstalled
	}
	return recs, nil
}

func (s *JsonFileStore) loadRevisions() (map[string][]Revision, error) {
	revs := map[string][]Revision{}
	if _, err := s.loadFile(s.revisionsPath(), &revs); err != nil {
		return nil, err
	}
	return revs, nil
}

func (s *JsonFileStore) Install(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.recordsPath()); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := s.saveFile(s.recordsPath(), map[string]record.Record{}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JsonFileStore) Uninstall(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.recordsPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(s.revisionsPath()); err != nil && !os.IsNotExist(err) {
		return true, err
	}
	return true, nil
}

func (s *JsonFileStore) Add(_ context.Context, records ...record.Record) ([]string, error) {
	ids, recs, err := prepareAdd(&s.def, records)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadRecords()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := all[id]; ok {
			return nil, fmt.Errorf("%w: %q", ErrExists, id)
		}
	}
	for i, id := range ids {
		all[id] = recs[i]
	}
	if err := s.saveFile(s.recordsPath(), all); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *JsonFileStore) Create(values ...record.Record) ([]*record.Data, error) {
	return createData(&s.def, values)
}

func (s *JsonFileStore) Count(_ context.Context, filter Filter) (int, error) {
	f, err := filter.normalize()
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.loadRecords()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if f.matches(rec) {
			n++
		}
	}
	return n, nil
}

func (s *JsonFileStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.loadRecords()
	if err != nil {
		return false, err
	}
	_, ok := all[id]
	return ok, nil
}

func (s *JsonFileStore) Fetch(_ context.Context, opts FetchOptions) ([]record.Record, error) {
	q, err := parseQuery(opts)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.loadRecords()
	if err != nil {
		return nil, err
	}
	// Freshly decoded, so no copies are needed.
	var candidates []record.Record
	if q.ids != nil {
		for _, id := range q.ids {
			if rec, ok := all[id]; ok {
				candidates = append(candidates, rec)
			}
		}
	} else {
		candidates = make([]record.Record, 0, len(all))
		for _, rec := range all {
			candidates = append(candidates, rec)
		}
		sortByID(&s.def, candidates)
	}
	return q.apply(candidates), nil
}

func (s *JsonFileStore) FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error) {
	return fetchData(ctx, s, &s.def, opts)
}

func (s *JsonFileStore) Save(_ context.Context, id string, rec record.Record) (bool, error) {
	c := prepareSave(&s.def, id, rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadRecords()
	if err != nil {
		return false, err
	}
	if _, ok := all[id]; !ok {
		return false, nil
	}
	all[id] = c
	return true, s.saveFile(s.recordsPath(), all)
}

func (s *JsonFileStore) Remove(_ context.Context, sel Selection) (int, error) {
	filter, err := checkSelection(sel)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadRecords()
	if err != nil {
		return 0, err
	}
	var targets []string
	if len(sel.IDs) > 0 {
		targets = sel.IDs
	} else {
		for id := range all {
			targets = append(targets, id)
		}
	}
	n := 0
	for _, id := range targets {
		rec, ok := all[id]
		if !ok || !filter.matches(rec) {
			continue
		}
		delete(all, id)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveFile(s.recordsPath(), all)
}

func (s *JsonFileStore) RevisionAdd(_ context.Context, id string, changes revision.Changes) (bool, error) {
	ok, err := checkRevisions(&s.def, changes)
	if !ok {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.recordsPath()); errors.Is(err, os.ErrNotExist) {
		return false, ErrNotInstalled
	}
	revs, err := s.loadRevisions()
	if err != nil {
		return false, err
	}
	revs[id] = append(revs[id], Revision{ID: id, Created: time.Now().UTC(), Changes: changes})
	if err := s.saveFile(s.revisionsPath(), revs); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JsonFileStore) Revisions(_ context.Context, id string) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(s.recordsPath()); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotInstalled
	}
	revs, err := s.loadRevisions()
	if err != nil {
		return nil, err
	}
	out := revs[id]
	if out == nil {
		out = []Revision{}
	}
	return out, nil
}

func (s *JsonFileStore) Close() error {
	return nil
}
