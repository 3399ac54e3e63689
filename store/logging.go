package store

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// WithLogger returns s with every operation logged to logger. Successful
// operations log at Debug, failures at Error.
func WithLogger(s Store, logger hclog.Logger) Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &loggingStore{
		Store: s,
		log:   logger.With("record", s.Definition().Name),
	}
}

type loggingStore struct {
	Store
	log hclog.Logger
}

func (l *loggingStore) done(op string, start time.Time, err error, args ...any) {
	args = append(args, "duration", time.Since(start))
	if err != nil {
		l.log.Error(op+" failed", append(args, "error", err)...)
		return
	}
	l.log.Debug(op, args...)
}

func (l *loggingStore) Add(ctx context.Context, records ...record.Record) ([]string, error) {
	start := time.Now()
	ids, err := l.Store.Add(ctx, records...)
	l.done("add", start, err, "records", len(records))
	return ids, err
}

func (l *loggingStore) Create(values ...record.Record) ([]*record.Data, error) {
	start := time.Now()
	out, err := l.Store.Create(values...)
	l.done("create", start, err, "values", len(values))
	return out, err
}

func (l *loggingStore) Count(ctx context.Context, filter Filter) (int, error) {
	start := time.Now()
	n, err := l.Store.Count(ctx, filter)
	l.done("count", start, err, "count", n)
	return n, err
}

func (l *loggingStore) Exists(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := l.Store.Exists(ctx, id)
	l.done("exists", start, err, "id", id, "exists", ok)
	return ok, err
}

func (l *loggingStore) Fetch(ctx context.Context, opts FetchOptions) ([]record.Record, error) {
	start := time.Now()
	recs, err := l.Store.Fetch(ctx, opts)
	l.done("fetch", start, err, "ids", len(opts.IDs), "results", len(recs))
	return recs, err
}

// FetchData goes through the wrapped Fetch so it is logged once.
func (l *loggingStore) FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error) {
	return fetchData(ctx, l, l.Definition(), opts)
}

func (l *loggingStore) Install(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := l.Store.Install(ctx)
	l.done("install", start, err)
	return ok, err
}

func (l *loggingStore) Remove(ctx context.Context, sel Selection) (int, error) {
	start := time.Now()
	n, err := l.Store.Remove(ctx, sel)
	l.done("remove", start, err, "ids", len(sel.IDs), "removed", n)
	return n, err
}

func (l *loggingStore) RevisionAdd(ctx context.Context, id string, changes revision.Changes) (bool, error) {
	start := time.Now()
	ok, err := l.Store.RevisionAdd(ctx, id, changes)
	l.done("revision_add", start, err, "id", id, "added", ok)
	return ok, err
}

func (l *loggingStore) Uninstall(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := l.Store.Uninstall(ctx)
	l.done("uninstall", start, err, "removed", ok)
	return ok, err
}

func (l *loggingStore) Save(ctx context.Context, id string, rec record.Record) (bool, error) {
	start := time.Now()
	ok, err := l.Store.Save(ctx, id, rec)
	l.done("save", start, err, "id", id, "found", ok)
	return ok, err
}

func (l *loggingStore) Revisions(ctx context.Context, id string) ([]Revision, error) {
	start := time.Now()
	revs, err := l.Store.Revisions(ctx, id)
	l.done("revisions", start, err, "id", id, "revisions", len(revs))
	return revs, err
}
