package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// SqliteStore stores a record type in a SQLite database.
//
// Tables:
//
//	<name>(id, data)                          PRIMARY KEY (id)
//	<name>_revisions(seq, id, created, changes)
//
// Filters and sorting run in SQL through the JSON1 functions.
type SqliteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	def      record.Definition
	table    string
	revTable string
}

func NewSqliteStore(dbPath string, def record.Definition) (*SqliteStore, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{
		db:       db,
		def:      def,
		table:    sqliteQuote(def.Name),
		revTable: sqliteQuote(def.Name + "_revisions"),
	}, nil
}

// sqliteQuote quotes an identifier. Definition names are already restricted
// to letters, digits and underscores.
func sqliteQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) Definition() *record.Definition {
	return &s.def
}

// wrapErr turns a missing table into ErrNotInstalled.
func (s *SqliteStore) wrapErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return err
}

func (s *SqliteStore) Install(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL PRIMARY KEY,
			data TEXT NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			created TEXT NOT NULL,
			changes TEXT NOT NULL
		)`, s.revTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (id)`,
			sqliteQuote(s.def.Name+"_revisions_id"), s.revTable),
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

func (s *SqliteStore) Uninstall(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		s.def.Name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	for _, table := range []string{s.table, s.revTable} {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SqliteStore) Add(ctx context.Context, records ...record.Record) ([]string, error) {
	ids, recs, err := prepareAdd(&s.def, records)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stmt := fmt.Sprintf("INSERT INTO %s (id, data) VALUES (?, ?)", s.table)
	for i, id := range ids {
		b, err := json.Marshal(recs[i])
		if err != nil {
			return nil, fmt.Errorf("encode record %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, id, string(b)); err != nil {
			var serr sqlite3.Error
			if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
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

func (s *SqliteStore) Create(values ...record.Record) ([]*record.Data, error) {
	return createData(&s.def, values)
}

func (s *SqliteStore) Count(ctx context.Context, filter Filter) (int, error) {
	f, err := filter.normalize()
	if err != nil {
		return 0, err
	}
	var w sqliteWhere
	w.filter(f)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err = s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+s.table+w.String(), w.args...).Scan(&n)
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

func (s *SqliteStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+s.table+" WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, s.wrapErr(err)
	}
	return true, nil
}

func (s *SqliteStore) Fetch(ctx context.Context, opts FetchOptions) ([]record.Record, error) {
	q, err := parseQuery(opts)
	if err != nil {
		return nil, err
	}
	if q.ids != nil && len(q.ids) == 0 {
		return []record.Record{}, nil
	}

	var w sqliteWhere
	w.ids(q.ids)
	w.filter(q.filter)
	stmt := "SELECT id, data FROM " + s.table + w.String()
	args := w.args

	// With explicit ids the order comes from the request, so sorting and
	// paging happen afterwards in Go.
	if q.ids == nil {
		if q.Sort != "" {
			dir := "ASC"
			if q.Desc {
				dir = "DESC"
			}
			stmt += fmt.Sprintf(" ORDER BY %s %s, %s %s, id", sqliteRankExpr, dir, sqliteValueExpr, dir)
			path := sqliteJSONPath(q.Sort)
			args = append(args, path, path, path)
		} else {
			stmt += " ORDER BY id"
		}
		if q.limit != nil {
			count := q.limit.Count
			if count <= 0 {
				count = -1
			}
			stmt += " LIMIT ? OFFSET ?"
			args = append(args, count, q.limit.Offset)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	defer rows.Close()

	byID := make(map[string]record.Record)
	recs := []record.Record{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var rec record.Record
		if err := decodeJSON([]byte(raw), &rec); err != nil {
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

func (s *SqliteStore) FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error) {
	return fetchData(ctx, s, &s.def, opts)
}

func (s *SqliteStore) Save(ctx context.Context, id string, rec record.Record) (bool, error) {
	b, err := json.Marshal(prepareSave(&s.def, id, rec))
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "UPDATE "+s.table+" SET data = ? WHERE id = ?", string(b), id)
	if err != nil {
		return false, s.wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SqliteStore) Remove(ctx context.Context, sel Selection) (int, error) {
	filter, err := checkSelection(sel)
	if err != nil {
		return 0, err
	}
	var w sqliteWhere
	if len(sel.IDs) > 0 {
		w.ids(sel.IDs)
	}
	w.filter(filter)
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table+w.String(), w.args...)
	if err != nil {
		return 0, s.wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SqliteStore) RevisionAdd(ctx context.Context, id string, changes revision.Changes) (bool, error) {
	ok, err := checkRevisions(&s.def, changes)
	if !ok {
		return false, err
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+s.revTable+" (id, created, changes) VALUES (?, ?, ?)",
		id, time.Now().UTC().Format(time.RFC3339Nano), string(b),
	)
	if err != nil {
		return false, s.wrapErr(err)
	}
	return true, nil
}

func (s *SqliteStore) Revisions(ctx context.Context, id string) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT created, changes FROM "+s.revTable+" WHERE id = ? ORDER BY seq", id)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	defer rows.Close()
	out := []Revision{}
	for rows.Next() {
		var created, raw string
		if err := rows.Scan(&created, &raw); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("decode revision time: %w", err)
		}
		var changes revision.Changes
		if err := decodeJSON([]byte(raw), &changes); err != nil {
			return nil, fmt.Errorf("decode revision: %w", err)
		}
		out = append(out, Revision{ID: id, Created: t, Changes: changes})
	}
	return out, rows.Err()
}

// sqliteWhere builds a WHERE clause over the JSON data column.
type sqliteWhere struct {
	clauses []string
	args    []any
}

func (w *sqliteWhere) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *sqliteWhere) ids(ids []string) {
	if ids == nil {
		return
	}
	if len(ids) == 0 {
		w.clauses = append(w.clauses, "0")
		return
	}
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		w.args = append(w.args, id)
	}
	w.clauses = append(w.clauses, "id IN ("+strings.Join(marks, ", ")+")")
}

// filter expects a normalized Filter.
func (w *sqliteWhere) filter(f Filter) {
	for field, want := range f {
		path := sqliteJSONPath(field)
		list, ok := want.([]any)
		if !ok {
			w.clauses = append(w.clauses, w.scalar(path, want))
			continue
		}
		if len(list) == 0 {
			w.clauses = append(w.clauses, "0")
			continue
		}
		conds := make([]string, len(list))
		for i, v := range list {
			conds[i] = w.scalar(path, v)
		}
		w.clauses = append(w.clauses, "("+strings.Join(conds, " OR ")+")")
	}
}

func (w *sqliteWhere) scalar(path string, want any) string {
	switch v := want.(type) {
	case nil:
		w.args = append(w.args, path)
		return "json_extract(data, ?) IS NULL"
	case bool:
		w.args = append(w.args, path, fmt.Sprint(v))
		return "json_type(data, ?) = ?"
	case string:
		w.args = append(w.args, path, path, v)
		return "(json_type(data, ?) = 'text' AND json_extract(data, ?) = ?)"
	default:
		w.args = append(w.args, path, path, sqliteNumber(v))
		return "(json_type(data, ?) IN ('integer', 'real') AND json_extract(data, ?) = ?)"
	}
}

// Sort keys matching compareValues: nulls, booleans, numbers, strings, then
// containers, which tie and fall back to id.
const (
	sqliteRankExpr = `CASE json_type(data, ?)
		WHEN 'true' THEN 1 WHEN 'false' THEN 1
		WHEN 'integer' THEN 2 WHEN 'real' THEN 2
		WHEN 'text' THEN 3
		WHEN 'object' THEN 4 WHEN 'array' THEN 4
		ELSE 0 END`
	sqliteValueExpr = `CASE WHEN json_type(data, ?) IN ('true', 'false', 'integer', 'real', 'text')
		THEN json_extract(data, ?) END`
)

// sqliteNumber binds integers as INTEGER so that values beyond 2^53 match
// exactly.
func sqliteNumber(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		if n <= math.MaxInt64 {
			return int64(n)
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	f, _ := toFloat(v)
	return f
}

func sqliteJSONPath(field string) string {
	return `$."` + field + `"`
}
