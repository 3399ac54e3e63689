package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
)

// PostgresStore stores a record type in PostgreSQL as JSONB.
//
// Tables:
//
//	<name>(id, data)                          PRIMARY KEY (id)
//	<name>_revisions(seq, id, created, changes)
type PostgresStore struct {
	db       *sql.DB
	def      record.Definition
	table    string
	revTable string
}

func NewPostgresStore(connStr string, def record.Definition) (*PostgresStore, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &PostgresStore{
		db:       db,
		def:      def,
		table:    pq.QuoteIdentifier(def.Name),
		revTable: pq.QuoteIdentifier(def.Name + "_revisions"),
	}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Definition() *record.Definition {
	return &s.def
}

func (s *PostgresStore) wrapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return err
}

func (s *PostgresStore) Install(ctx context.Context) (bool, error) {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL PRIMARY KEY,
			data JSONB NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL DEFAULT now(),
			changes JSONB NOT NULL
		)`, s.revTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (id)`,
			pq.QuoteIdentifier(s.def.Name+"_revisions_id"), s.revTable),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Uninstall(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", s.table).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s, %s", s.table, s.revTable))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Add(ctx context.Context, records ...record.Record) ([]string, error) {
	ids, recs, err := prepareAdd(&s.def, records)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stmt := fmt.Sprintf("INSERT INTO %s (id, data) VALUES ($1, $2)", s.table)
	for i, id := range ids {
		b, err := json.Marshal(recs[i])
		if err != nil {
			return nil, fmt.Errorf("encode record %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, id, string(b)); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
				return nil, fmt.Errorf("%w: %q", ErrExists, id)
			}
			return nil, s.wrapErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) Create(values ...record.Record) ([]*record.Data, error) {
	return createData(&s.def, values)
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	f, err := filter.normalize()
	if err != nil {
		return 0, err
	}
	var w pgWhere
	if err := w.filter(f); err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+s.table+w.String(), w.args...).Scan(&n)
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+s.table+" WHERE id = $1", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, s.wrapErr(err)
	}
	return true, nil
}

func (s *PostgresStore) Fetch(ctx context.Context, opts FetchOptions) ([]record.Record, error) {
	q, err := parseQuery(opts)
	if err != nil {
		return nil, err
	}
	if q.ids != nil && len(q.ids) == 0 {
		return []record.Record{}, nil
	}

	var w pgWhere
	w.ids(q.ids)
	if err := w.filter(q.filter); err != nil {
		return nil, err
	}
	stmt := "SELECT id, data FROM " + s.table + w.String()

	if q.ids == nil {
		if q.Sort != "" {
			dir := "ASC"
			if q.Desc {
				dir = "DESC"
			}
			stmt += " ORDER BY " + pgSortKeys(w.arg(q.Sort), dir) + ", id"
		} else {
			stmt += " ORDER BY id"
		}
		if q.limit != nil {
			if q.limit.Count > 0 {
				stmt += " LIMIT " + w.arg(q.limit.Count)
			}
			stmt += " OFFSET " + w.arg(q.limit.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, stmt, w.args...)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	defer rows.Close()

	byID := make(map[string]record.Record)
	recs := []record.Record{}
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var rec record.Record
		if err := decodeJSON(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", id, err)
		}
		byID[id] = rec
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.ids == nil {
		return q.project(recs), nil
	}
	ordered := make([]record.Record, 0, len(recs))
	for _, id := range q.ids {
		if rec, ok := byID[id]; ok {
			ordered = append(ordered, rec.Clone())
		}
	}
	return q.finish(ordered), nil
}

func (s *PostgresStore) FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error) {
	return fetchData(ctx, s, &s.def, opts)
}

func (s *PostgresStore) Save(ctx context.Context, id string, rec record.Record) (bool, error) {
	b, err := json.Marshal(prepareSave(&s.def, id, rec))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE "+s.table+" SET data = $1 WHERE id = $2", string(b), id)
	if err != nil {
		return false, s.wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) Remove(ctx context.Context, sel Selection) (int, error) {
	filter, err := checkSelection(sel)
	if err != nil {
		return 0, err
	}
	var w pgWhere
	if len(sel.IDs) > 0 {
		w.ids(sel.IDs)
	}
	if err := w.filter(filter); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table+w.String(), w.args...)
	if err != nil {
		return 0, s.wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) RevisionAdd(ctx context.Context, id string, changes revision.Changes) (bool, error) {
	ok, err := checkRevisions(&s.def, changes)
	if !ok {
		return false, err
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return false, err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+s.revTable+" (id, changes) VALUES ($1, $2)", id, string(b))
	if err != nil {
		return false, s.wrapErr(err)
	}
	return true, nil
}

func (s *PostgresStore) Revisions(ctx context.Context, id string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT created, changes FROM "+s.revTable+" WHERE id = $1 ORDER BY seq", id)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	defer rows.Close()
	out := []Revision{}
	for rows.Next() {
		var rev Revision
		var raw []byte
		if err := rows.Scan(&rev.Created, &raw); err != nil {
			return nil, err
		}
		if err := decodeJSON(raw, &rev.Changes); err != nil {
			return nil, fmt.Errorf("decode revision: %w", err)
		}
		rev.ID = id
		rev.Created = rev.Created.UTC()
		out = append(out, rev)
	}
	return out, rows.Err()
}

// pgWhere builds a WHERE clause over the JSONB data column with numbered
// placeholders.
type pgWhere struct {
	clauses []string
	args    []any
}

func (w *pgWhere) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// arg adds a parameter and returns its placeholder.
func (w *pgWhere) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *pgWhere) ids(ids []string) {
	if ids == nil {
		return
	}
	w.clauses = append(w.clauses, "id = ANY("+w.arg(pq.Array(ids))+")")
}

// filter expects a normalized Filter.
func (w *pgWhere) filter(f Filter) error {
	for field, want := range f {
		list, ok := want.([]any)
		if !ok {
			cond, err := w.scalar(field, want)
			if err != nil {
				return err
			}
			w.clauses = append(w.clauses, cond)
			continue
		}
		if len(list) == 0 {
			w.clauses = append(w.clauses, "FALSE")
			continue
		}
		conds := make([]string, len(list))
		for i, v := range list {
			cond, err := w.scalar(field, v)
			if err != nil {
				return err
			}
			conds[i] = cond
		}
		w.clauses = append(w.clauses, "("+strings.Join(conds, " OR ")+")")
	}
	return nil
}

// scalar compares JSONB values, so 1 and 1.0 are equal while "1" and 1 are
// not.
// pgSortKeys orders like compareValues: nulls, booleans, numbers, strings,
// then containers. Strings compare bytewise.
func pgSortKeys(param, dir string) string {
	v := "data -> " + param + "::text"
	t := "jsonb_typeof(" + v + ")"
	keys := []string{
		"CASE " + t + " WHEN 'boolean' THEN 1 WHEN 'number' THEN 2 WHEN 'string' THEN 3" +
			" WHEN 'object' THEN 4 WHEN 'array' THEN 4 ELSE 0 END",
		"CASE WHEN " + t + " = 'boolean' THEN (" + v + ")::boolean END",
		"CASE WHEN " + t + " = 'number' THEN (" + v + ")::numeric END",
		"CASE WHEN " + t + " = 'string' THEN (" + v + " #>> '{}') END COLLATE \"C\"",
	}
	for i := range keys {
		keys[i] += " " + dir
	}
	return strings.Join(keys, ", ")
}

func (w *pgWhere) scalar(field string, want any) (string, error) {
	if want == nil {
		return fmt.Sprintf("COALESCE(data -> %s::text, 'null'::jsonb) = 'null'::jsonb", w.arg(field)), nil
	}
	b, err := json.Marshal(want)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return fmt.Sprintf("data -> %s::text = %s::jsonb", w.arg(field), w.arg(string(b))), nil
}
