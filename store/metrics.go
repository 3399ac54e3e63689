package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// Metrics holds the collectors WithMetrics records into.
type Metrics struct {
	ops      *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the store collectors with reg. Register once per
// registry and share the result between stores.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "record_storage_operations_total",
			Help: "Storage operations by record type and operation.",
		}, []string{"record", "op"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "record_storage_errors_total",
			Help: "Failed storage operations by record type and operation.",
		}, []string{"record", "op"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "record_storage_operation_duration_seconds",
			Help:    "Storage operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"record", "op"}),
	}
}

// WithMetrics returns s with every operation counted and timed in m.
func WithMetrics(s Store, m *Metrics) Store {
	return &metricsStore{Store: s, m: m, name: s.Definition().Name}
}

type metricsStore struct {
	Store
	m    *Metrics
	name string
}

func (s *metricsStore) observe(op string, start time.Time, err error) {
	s.m.ops.WithLabelValues(s.name, op).Inc()
	s.m.duration.WithLabelValues(s.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.m.errors.WithLabelValues(s.name, op).Inc()
	}
}

func (s *metricsStore) Add(ctx context.Context, records ...record.Record) ([]string, error) {
	start := time.Now()
	ids, err := s.Store.Add(ctx, records...)
	s.observe("add", start, err)
	return ids, err
}

func (s *metricsStore) Create(values ...record.Record) ([]*record.Data, error) {
	start := time.Now()
	out, err := s.Store.Create(values...)
	s.observe("create", start, err)
	return out, err
}

func (s *metricsStore) Count(ctx context.Context, filter Filter) (int, error) {
	start := time.Now()
	n, err := s.Store.Count(ctx, filter)
	s.observe("count", start, err)
	return n, err
}

func (s *metricsStore) Exists(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Exists(ctx, id)
	s.observe("exists", start, err)
	return ok, err
}

func (s *metricsStore) Fetch(ctx context.Context, opts FetchOptions) ([]record.Record, error) {
	start := time.Now()
	recs, err := s.Store.Fetch(ctx, opts)
	s.observe("fetch", start, err)
	return recs, err
}

func (s *metricsStore) FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error) {
	return fetchData(ctx, s, s.Definition(), opts)
}

func (s *metricsStore) Install(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Install(ctx)
	s.observe("install", start, err)
	return ok, err
}

func (s *metricsStore) Remove(ctx context.Context, sel Selection) (int, error) {
	start := time.Now()
	n, err := s.Store.Remove(ctx, sel)
	s.observe("remove", start, err)
	return n, err
}

func (s *metricsStore) RevisionAdd(ctx context.Context, id string, changes revision.Changes) (bool, error) {
	start := time.Now()
	ok, err := s.Store.RevisionAdd(ctx, id, changes)
	s.observe("revision_add", start, err)
	return ok, err
}

func (s *metricsStore) Uninstall(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Uninstall(ctx)
	s.observe("uninstall", start, err)
	return ok, err
}

func (s *metricsStore) Save(ctx context.Context, id string, rec record.Record) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Save(ctx, id, rec)
	s.observe("save", start, err)
	return ok, err
}

func (s *metricsStore) Revisions(ctx context.Context, id string) ([]Revision, error) {
	start := time.Now()
	revs, err := s.Store.Revisions(ctx, id)
	s.observe("revisions", start, err)
	return revs, err
}
