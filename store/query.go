package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// Filter selects records by field value. A scalar matches an equal value
// (numbers compare by value), a []any matches any of its elements, and nil
// matches a missing or null field. Nested maps are not supported.
type Filter map[string]any

// Limit pages through results. A Count of zero means no limit.
type Limit struct {
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// FetchOptions selects the records returned by Fetch.
type FetchOptions struct {
	// IDs restricts the fetch to the given identifiers.
	IDs []string

	Filter Filter
	Limit  *Limit

	// Fields restricts each record to the named fields. Nil returns all.
	Fields []string

	// Options holds backend options. The bundled backends understand
	// "sort" (a field name) and "desc" (bool).
	Options map[string]any
}

// Selection chooses the records removed by Remove. When both are set a
// record must match both.
type Selection struct {
	IDs    []string
	Filter Filter
}

// ByID is a FetchOptions for the given identifiers.
func ByID(ids ...string) FetchOptions {
	return FetchOptions{IDs: ids}
}

type sortOptions struct {
	Sort string `mapstructure:"sort"`
	Desc bool   `mapstructure:"desc"`
}

// query is a validated FetchOptions.
type query struct {
	ids    []string
	filter Filter
	limit  *Limit
	fields []string
	sortOptions
}

func parseQuery(opts FetchOptions) (*query, error) {
	filter, err := opts.Filter.normalize()
	if err != nil {
		return nil, err
	}
	if opts.Limit != nil && (opts.Limit.Offset < 0 || opts.Limit.Count < 0) {
		return nil, fmt.Errorf("%w: offset and count must not be negative", ErrInvalidLimit)
	}
	q := &query{ids: opts.IDs, filter: filter, limit: opts.Limit, fields: opts.Fields}
	if len(opts.Options) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &q.sortOptions,
			ErrorUnused:      true,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(opts.Options); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}
	return q, nil
}

// apply filters, sorts, pages and projects candidates, which must be copies
// in identifier or requested order.
func (q *query) apply(candidates []record.Record) []record.Record {
	out := make([]record.Record, 0, len(candidates))
	for _, rec := range candidates {
		if q.filter.matches(rec) {
			out = append(out, rec)
		}
	}
	return q.finish(out)
}

// finish sorts, pages and projects records that already passed the filter.
func (q *query) finish(recs []record.Record) []record.Record {
	if q.Sort != "" {
		sortRecords(recs, q.Sort, q.Desc)
	}
	return q.project(q.page(recs))
}

func (q *query) page(recs []record.Record) []record.Record {
	if q.limit == nil {
		return recs
	}
	if q.limit.Offset >= len(recs) {
		return []record.Record{}
	}
	recs = recs[q.limit.Offset:]
	if q.limit.Count > 0 && q.limit.Count < len(recs) {
		recs = recs[:q.limit.Count]
	}
	return recs
}

func (q *query) project(recs []record.Record) []record.Record {
	if q.fields == nil {
		return recs
	}
	for i, rec := range recs {
		recs[i] = rec.Project(q.fields)
	}
	return recs
}

// normalize validates f and converts typed slices to []any.
func (f Filter) normalize() (Filter, error) {
	if len(f) == 0 {
		return nil, nil
	}
	out := make(Filter, len(f))
	for field, v := range f {
		if field == "" || strings.ContainsRune(field, '"') {
			return nil, fmt.Errorf("%w: invalid field name %q", ErrInvalidFilter, field)
		}
		switch val := v.(type) {
		case []string:
			list := make([]any, len(val))
			for i, s := range val {
				list[i] = s
			}
			out[field] = list
		case []any:
			for _, e := range val {
				if !isScalar(e) {
					return nil, fmt.Errorf("%w: field %q: list elements must be scalars, got %T", ErrInvalidFilter, field, e)
				}
			}
			out[field] = val
		default:
			if !isScalar(v) {
				return nil, fmt.Errorf("%w: field %q: unsupported value of type %T", ErrInvalidFilter, field, v)
			}
			out[field] = v
		}
	}
	return out, nil
}

func (f Filter) matches(rec record.Record) bool {
	for field, want := range f {
		got, ok := rec[field]
		if list, isList := want.([]any); isList {
			if !matchesAny(got, ok, list) {
				return false
			}
			continue
		}
		if !matchesScalar(got, ok, want) {
			return false
		}
	}
	return true
}

func matchesAny(got any, present bool, list []any) bool {
	for _, want := range list {
		if matchesScalar(got, present, want) {
			return true
		}
	}
	return false
}

func matchesScalar(got any, present bool, want any) bool {
	if want == nil {
		return !present || got == nil
	}
	return present && revision.Equal(got, want)
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func sortRecords(recs []record.Record, field string, desc bool) {
	sort.SliceStable(recs, func(i, j int) bool {
		c := compareValues(recs[i][field], recs[j][field])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func sortByID(def *record.Definition, recs []record.Record) {
	sort.Slice(recs, func(i, j int) bool {
		return def.ID(recs[i]) < def.ID(recs[j])
	})
}

// compareValues orders nulls first, then booleans, numbers, strings and
// finally everything else.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case 2:
		c, _ := revision.CompareNumbers(a, b)
		return c
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	return 4
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// prepareAdd copies records and assigns their identifiers.
func prepareAdd(def *record.Definition, recs []record.Record) ([]string, []record.Record, error) {
	key := def.KeyField()
	ids := make([]string, len(recs))
	out := make([]record.Record, len(recs))
	seen := make(map[string]bool, len(recs))
	for i, r := range recs {
		c := r.Clone()
		if c == nil {
			c = record.Record{}
		}
		var id string
		switch v := c[key].(type) {
		case nil:
		case string:
			id = v
		default:
			return nil, nil, fmt.Errorf("%w: record %d: key field %q must be a string, got %T", ErrInvalidRecord, i, key, v)
		}
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, nil, fmt.Errorf("%w: %q appears twice", ErrExists, id)
		}
		seen[id] = true
		c[key] = id
		ids[i] = id
		out[i] = c
	}
	return ids, out, nil
}

// prepareSave copies rec and stamps it with id.
func prepareSave(def *record.Definition, id string, rec record.Record) record.Record {
	c := rec.Clone()
	if c == nil {
		c = record.Record{}
	}
	c[def.KeyField()] = id
	return c
}

func checkSelection(sel Selection) (Filter, error) {
	filter, err := sel.Filter.normalize()
	if err != nil {
		return nil, err
	}
	if len(sel.IDs) == 0 && len(filter) == 0 {
		return nil, ErrNoSelection
	}
	return filter, nil
}

func checkRevisions(def *record.Definition, changes revision.Changes) (bool, error) {
	if !def.Revisions {
		return false, ErrRevisionsDisabled
	}
	return changes != nil, nil
}

func createData(def *record.Definition, values []record.Record) ([]*record.Data, error) {
	if len(values) == 0 {
		values = []record.Record{{}}
	}
	out := make([]*record.Data, len(values))
	for i, v := range values {
		d, err := record.New(def, v)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

func fetchData(ctx context.Context, s Storage, def *record.Definition, opts FetchOptions) ([]*record.Data, error) {
	recs, err := s.Fetch(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*record.Data, len(recs))
	for i, rec := range recs {
		if opts.Fields != nil {
			out[i] = record.LoadPartial(def, rec)
			continue
		}
		out[i] = record.Load(def, rec)
	}
	return out, nil
}
