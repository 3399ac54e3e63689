package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stevemurr/record-storage/handler"
	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/store"
)

func usersDefinition() record.Definition {
	return record.Definition{
		Name: "users",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":   map[string]any{"type": "string"},
				"age":    map[string]any{"type": "number"},
				"status": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
		Revisions: true,
	}
}

func setup(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	s, err := store.NewMemoryStore(usersDefinition())
	if err != nil {
		t.Fatal(err)
	}
	h := handler.New(s, nil)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts, s
}

// setupInstalled also installs the store through the API.
func setupInstalled(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	ts, s := setup(t)
	resp := do(t, http.MethodPut, ts.URL+"/storage", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("install: expected 200, got %d", resp.StatusCode)
	}
	return ts, s
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func decodeJSON(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func decodeJSONArray(t *testing.T, r io.Reader) []any {
	t.Helper()
	var v []any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func do(t *testing.T, method, u string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(mustJSON(t, body))
	}
	req, err := http.NewRequest(method, u, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRootAndHealth(t *testing.T) {
	ts, _ := setup(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp.Body)
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", body["status"])
	}
	if body["record"] != "users" {
		t.Fatalf("expected record=users, got %v", body["record"])
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSchema(t *testing.T) {
	ts, _ := setup(t)

	resp := do(t, http.MethodGet, ts.URL+"/schema", nil)
	body := decodeJSON(t, resp.Body)
	if body["name"] != "users" {
		t.Fatalf("expected name=users, got %v", body["name"])
	}
	if body["revisions"] != true {
		t.Fatalf("expected revisions=true, got %v", body["revisions"])
	}
	if _, ok := body["schema"].(map[string]any); !ok {
		t.Fatalf("expected schema object, got %v", body["schema"])
	}
}

func TestInstallLifecycle(t *testing.T) {
	ts, _ := setup(t)

	// Not installed yet
	resp := do(t, http.MethodGet, ts.URL+"/records", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before install, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPut, ts.URL+"/storage", nil)
	if body := decodeJSON(t, resp.Body); body["installed"] != true {
		t.Fatalf("expected installed=true, got %v", body)
	}

	resp = do(t, http.MethodDelete, ts.URL+"/storage", nil)
	if body := decodeJSON(t, resp.Body); body["uninstalled"] != true {
		t.Fatalf("expected uninstalled=true, got %v", body)
	}

	resp = do(t, http.MethodDelete, ts.URL+"/storage", nil)
	if body := decodeJSON(t, resp.Body); body["uninstalled"] != false {
		t.Fatalf("expected uninstalled=false, got %v", body)
	}
}

func TestRecordsCRUD(t *testing.T) {
	ts, _ := setupInstalled(t)

	// GET /records - empty
	resp := do(t, http.MethodGet, ts.URL+"/records", nil)
	if items := decodeJSONArray(t, resp.Body); len(items) != 0 {
		t.Fatalf("expected 0 records, got %d", len(items))
	}

	// POST /records - single object
	resp = do(t, http.MethodPost, ts.URL+"/records", map[string]any{"_id": "u1", "name": "ada", "age": 36})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp.Body)
	if ids := body["ids"].([]any); len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("expected ids=[u1], got %v", body["ids"])
	}

	// HEAD /records/u1
	resp = do(t, http.MethodHead, ts.URL+"/records/u1", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodHead, ts.URL+"/records/missing", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	// GET /records/u1
	resp = do(t, http.MethodGet, ts.URL+"/records/u1", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	doc := decodeJSON(t, resp.Body)
	if doc["name"] != "ada" || doc["_id"] != "u1" {
		t.Fatalf("unexpected record %v", doc)
	}

	// GET missing
	resp = do(t, http.MethodGet, ts.URL+"/records/missing", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	// POST duplicate
	resp = do(t, http.MethodPost, ts.URL+"/records", map[string]any{"_id": "u1", "name": "again"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	// DELETE /records/u1 twice
	for i, want := range []float64{1, 0} {
		resp = do(t, http.MethodDelete, ts.URL+"/records/u1", nil)
		if resp.StatusCode != 200 {
			t.Fatalf("delete %d: expected 200, got %d", i, resp.StatusCode)
		}
		if body := decodeJSON(t, resp.Body); body["removed"] != want {
			t.Fatalf("delete %d: expected removed=%v, got %v", i, want, body["removed"])
		}
	}
}

func TestHeadRecord(t *testing.T) {
	ts, s := setup(t)

	// HEAD before install
	resp := do(t, http.MethodHead, ts.URL+"/records/u1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before install, got %d", resp.StatusCode)
	}

	if _, err := s.Install(t.Context()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(t.Context(), record.Record{"_id": "u1", "name": "ada"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/records/u1", http.StatusOK},
		{"/records/missing", http.StatusNotFound},
		{"/records/count", http.StatusOK},
	}
	for _, tc := range tests {
		resp := do(t, http.MethodHead, ts.URL+tc.path, nil)
		if resp.StatusCode != tc.want {
			t.Fatalf("HEAD %s: expected %d, got %d", tc.path, tc.want, resp.StatusCode)
		}
		if b, _ := io.ReadAll(resp.Body); len(b) != 0 {
			t.Fatalf("HEAD %s: expected empty body, got %q", tc.path, b)
		}
	}
}

func TestAddArrayAndQuery(t *testing.T) {
	ts, _ := setupInstalled(t)

	resp := do(t, http.MethodPost, ts.URL+"/records", []map[string]any{
		{"_id": "u1", "name": "ada", "age": 36, "status": "active"},
		{"_id": "u2", "name": "bob", "age": 25, "status": "inactive"},
		{"_id": "u3", "name": "carol", "age": 41, "status": "active"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	q := url.Values{}
	q.Set("filter", `{"status":"active"}`)
	q.Set("fields", "name")
	q.Set("sort", "age")
	q.Set("desc", "true")
	resp = do(t, http.MethodGet, ts.URL+"/records?"+q.Encode(), nil)
	items := decodeJSONArray(t, resp.Body)
	if len(items) != 2 {
		t.Fatalf("expected 2 records, got %d", len(items))
	}
	first := items[0].(map[string]any)
	if first["name"] != "carol" || len(first) != 1 {
		t.Fatalf("expected {name: carol}, got %v", first)
	}

	resp = do(t, http.MethodGet, ts.URL+"/records?limit=1&offset=1", nil)
	items = decodeJSONArray(t, resp.Body)
	if len(items) != 1 || items[0].(map[string]any)["_id"] != "u2" {
		t.Fatalf("expected [u2], got %v", items)
	}

	resp = do(t, http.MethodGet, ts.URL+"/records?id=u3&id=missing&id=u1", nil)
	items = decodeJSONArray(t, resp.Body)
	if len(items) != 2 || items[0].(map[string]any)["_id"] != "u3" {
		t.Fatalf("expected [u3 u1], got %v", items)
	}

	q = url.Values{}
	q.Set("filter", `{"status":["active","inactive"]}`)
	resp = do(t, http.MethodGet, ts.URL+"/records/count?"+q.Encode(), nil)
	if body := decodeJSON(t, resp.Body); body["count"] != float64(3) {
		t.Fatalf("expected count=3, got %v", body["count"])
	}

	// Bad requests
	for _, path := range []string{
		"/records?filter=not-json",
		"/records?limit=ten",
		"/records?unknown=1&sort=age&desc=maybe",
		"/records/count?filter=" + url.QueryEscape(`{"meta":{"a":1}}`),
	} {
		resp = do(t, http.MethodGet, ts.URL+path, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}

	// DELETE by filter
	resp = do(t, http.MethodDelete, ts.URL+"/records?"+q.Encode(), nil)
	if body := decodeJSON(t, resp.Body); body["removed"] != float64(3) {
		t.Fatalf("expected removed=3, got %v", body["removed"])
	}

	resp = do(t, http.MethodDelete, ts.URL+"/records", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without selection, got %d", resp.StatusCode)
	}
}

func TestSchemaValidationOnAdd(t *testing.T) {
	ts, s := setupInstalled(t)

	resp := do(t, http.MethodPost, ts.URL+"/records", []map[string]any{
		{"name": "ok"},
		{"name": 5, "age": "old"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp.Body)
	fields, ok := body["fields"].([]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("expected 2 field errors, got %v", body["fields"])
	}
	if path := fields[0].(map[string]any)["path"]; path != "$.age" {
		t.Fatalf("expected first path $.age, got %v", path)
	}

	// Nothing was stored
	n, err := s.Count(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 records, got %d", n)
	}

	resp = do(t, http.MethodPost, ts.URL+"/records", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}
}

func TestUpdateRecordsRevision(t *testing.T) {
	ts, _ := setupInstalled(t)

	do(t, http.MethodPost, ts.URL+"/records", map[string]any{
		"_id": "u1", "name": "ada", "age": 36, "status": "active",
	})

	resp := do(t, http.MethodPut, ts.URL+"/records/u1", map[string]any{
		"name": "ada", "age": 37, "status": "active",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp.Body)
	changes := body["changes"].(map[string]any)
	age := changes["age"].(map[string]any)
	if age["old"] != float64(36) || age["new"] != float64(37) {
		t.Fatalf("unexpected changes %v", changes)
	}

	// Dropping a field removes it
	resp = do(t, http.MethodPut, ts.URL+"/records/u1", map[string]any{"name": "ada", "age": 37})
	body = decodeJSON(t, resp.Body)
	if _, ok := body["record"].(map[string]any)["status"]; ok {
		t.Fatalf("expected status to be removed, got %v", body["record"])
	}

	// Unchanged update records nothing
	resp = do(t, http.MethodPut, ts.URL+"/records/u1", map[string]any{"name": "ada", "age": 37})
	body = decodeJSON(t, resp.Body)
	if body["changes"] != nil {
		t.Fatalf("expected no changes, got %v", body["changes"])
	}

	resp = do(t, http.MethodGet, ts.URL+"/records/u1/revisions", nil)
	revs := decodeJSONArray(t, resp.Body)
	if len(revs) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revs))
	}
	if revs[0].(map[string]any)["id"] != "u1" {
		t.Fatalf("unexpected revision %v", revs[0])
	}

	// Invalid update
	resp = do(t, http.MethodPut, ts.URL+"/records/u1", map[string]any{"age": "old"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	// Key mismatch
	resp = do(t, http.MethodPut, ts.URL+"/records/u1", map[string]any{"_id": "u2", "name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	// Missing record
	resp = do(t, http.MethodPut, ts.URL+"/records/missing", map[string]any{"name": "x"})
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	base, err := store.NewMemoryStore(usersDefinition())
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	s := store.WithMetrics(base, store.NewMetrics(reg))
	h := handler.New(s, nil)
	h.EnableMetrics(reg)
	ts := httptest.NewServer(h)
	defer ts.Close()

	do(t, http.MethodPut, ts.URL+"/storage", nil)
	resp := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `record_storage_operations_total{op="install",record="users"} 1`) {
		t.Fatalf("install not counted:\n%s", b)
	}
}
