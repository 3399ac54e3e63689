package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// PebbleStore stores a record type in a Pebble key-value database.
//
// Keys:
//
//	m/<name>                   installed marker
//	r/<name>/<id>              record JSON
//	v/<name>/<id>\x00<seq>     revision JSON, seq zero-padded
//
// Pebble locks its directory, so each store needs its own.
type PebbleStore struct {
	mu      sync.RWMutex
	db      *pebble.DB
	def     record.Definition
	lastSeq int64
}

func NewPebbleStore(dir string, def record.Definition) (*PebbleStore, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, def: def}, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleStore) Definition() *record.Definition {
	return &s.def
}

func (s *PebbleStore) markerKey() []byte {
	return []byte("m/" + s.def.Name)
}

func (s *PebbleStore) recordPrefix() []byte {
	return []byte("r/" + s.def.Name + "/")
}

func (s *PebbleStore) recordKey(id string) []byte {
	return append(s.recordPrefix(), id...)
}

func (s *PebbleStore) revisionPrefix() []byte {
	return []byte("v/" + s.def.Name + "/")
}

func (s *PebbleStore) revisionIDPrefix(id string) []byte {
	return append(append(s.revisionPrefix(), id...), 0)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// get returns a copy of the value at key, or nil when absent.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

// ready must be called with s.mu held.
func (s *PebbleStore) ready() error {
	if s.db == nil {
		return ErrClosed
	}
	marker, err := s.get(s.markerKey())
	if err != nil {
		return err
	}
	if marker == nil {
		return ErrNotInstalled
	}
	return nil
}

func (s *PebbleStore) Install(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrClosed
	}
	if err := s.db.Set(s.markerKey(), []byte(s.def.Name), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Uninstall(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		if errors.Is(err, ErrNotInstalled) {
			return false, nil
		}
		return false, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(s.markerKey(), nil); err != nil {
		return false, err
	}
	for _, prefix := range [][]byte{s.recordPrefix(), s.revisionPrefix()} {
		if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
			return false, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Add(_ context.Context, records ...record.Record) ([]string, error) {
	ids, recs, err := prepareAdd(&s.def, records)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for i, id := range ids {
		existing, err := s.get(s.recordKey(id))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %q", ErrExists, id)
		}
		val, err := json.Marshal(recs[i])
		if err != nil {
			return nil, fmt.Errorf("encode record %q: %w", id, err)
		}
		if err := b.Set(s.recordKey(id), val, nil); err != nil {
			return nil, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PebbleStore) Create(values ...record.Record) ([]*record.Data, error) {
	return createData(&s.def, values)
}

// scan decodes every record in identifier order.
func (s *PebbleStore) scan(fn func(rec record.Record)) error {
	prefix := s.recordPrefix()
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	for ok := it.First(); ok; ok = it.Next() {
		var rec record.Record
		if err := decodeJSON(it.Value(), &rec); err != nil {
			_ = it.Close()
			return fmt.Errorf("decode record %q: %w", it.Key()[len(prefix):], err)
		}
		fn(rec)
	}
	return it.Close()
}

func (s *PebbleStore) load(id string) (record.Record, error) {
	val, err := s.get(s.recordKey(id))
	if err != nil || val == nil {
		return nil, err
	}
	var rec record.Record
	if err := decodeJSON(val, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", id, err)
	}
	return rec, nil
}

func (s *PebbleStore) Count(_ context.Context, filter Filter) (int, error) {
	f, err := filter.normalize()
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	n := 0
	err = s.scan(func(rec record.Record) {
		if f.matches(rec) {
			n++
		}
	})
	return n, err
}

func (s *PebbleStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return false, err
	}
	val, err := s.get(s.recordKey(id))
	return val != nil, err
}

func (s *PebbleStore) Fetch(_ context.Context, opts FetchOptions) ([]record.Record, error) {
	q, err := parseQuery(opts)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	var candidates []record.Record
	if q.ids != nil {
		for _, id := range q.ids {
			rec, err := s.load(id)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				candidates = append(candidates, rec)
			}
		}
	} else {
		// Keys sort by identifier already.
		err = s.scan(func(rec record.Record) {
			candidates = append(candidates, rec)
		})
		if err != nil {
			return nil, err
		}
	}
	return q.apply(candidates), nil
}

func (s *PebbleStore) FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error) {
	return fetchData(ctx, s, &s.def, opts)
}

func (s *PebbleStore) Save(_ context.Context, id string, rec record.Record) (bool, error) {
	val, err := json.Marshal(prepareSave(&s.def, id, rec))
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return false, err
	}
	existing, err := s.get(s.recordKey(id))
	if err != nil || existing == nil {
		return false, err
	}
	if err := s.db.Set(s.recordKey(id), val, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Remove(_ context.Context, sel Selection) (int, error) {
	filter, err := checkSelection(sel)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	var targets []record.Record
	if len(sel.IDs) > 0 {
		for _, id := range sel.IDs {
			rec, err := s.load(id)
			if err != nil {
				return 0, err
			}
			if rec != nil {
				targets = append(targets, rec)
			}
		}
	} else {
		err = s.scan(func(rec record.Record) {
			targets = append(targets, rec)
		})
		if err != nil {
			return 0, err
		}
	}

	b := s.db.NewBatch()
	defer b.Close()
	seen := make(map[string]bool)
	for _, rec := range targets {
		id := s.def.ID(rec)
		if seen[id] || !filter.matches(rec) {
			continue
		}
		seen[id] = true
		if err := b.Delete(s.recordKey(id), nil); err != nil {
			return 0, err
		}
	}
	if len(seen) == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(seen), nil
}

// nextSeq must be called with s.mu held for writing.
func (s *PebbleStore) nextSeq() int64 {
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *PebbleStore) RevisionAdd(_ context.Context, id string, changes revision.Changes) (bool, error) {
	ok, err := checkRevisions(&s.def, changes)
	if !ok {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return false, err
	}
	val, err := json.Marshal(Revision{ID: id, Created: time.Now().UTC(), Changes: changes})
	if err != nil {
		return false, err
	}
	key := append(s.revisionIDPrefix(id), fmt.Sprintf("%020d", s.nextSeq())...)
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Revisions(_ context.Context, id string) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	prefix := s.revisionIDPrefix(id)
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	out := []Revision{}
	for ok := it.First(); ok; ok = it.Next() {
		var rev Revision
		if err := decodeJSON(it.Value(), &rev); err != nil {
			_ = it.Close()
			return nil, fmt.Errorf("decode revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, it.Close()
}
