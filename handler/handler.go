// Package handler provides the HTTP handlers for one record store.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/schema"
	"github.com/stevemurr/record-storage/store"
)

// maxBodySize bounds request bodies.
const maxBodySize = 8 << 20

// Handler holds the server dependencies and registers routes.
type Handler struct {
	store store.Store
	def   *record.Definition
	log   hclog.Logger
	mux   *http.ServeMux
}

// New creates a Handler and wires up all routes.
func New(s store.Store, logger hclog.Logger) *Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	h := &Handler{
		store: s,
		def:   s.Definition(),
		log:   logger,
		mux:   http.NewServeMux(),
	}
	h.routes()
	return h
}

// EnableMetrics serves the metrics gathered by g at /metrics.
func (h *Handler) EnableMetrics(g prometheus.Gatherer) {
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	// Health / status
	h.mux.HandleFunc("GET /", h.root)
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("GET /schema", h.getSchema)

	// Storage location
	h.mux.HandleFunc("PUT /storage", h.install)
	h.mux.HandleFunc("DELETE /storage", h.uninstall)

	// Records
	h.mux.HandleFunc("GET /records", h.fetch)
	h.mux.HandleFunc("GET /records/count", h.count)
	h.mux.HandleFunc("POST /records", h.add)
	h.mux.HandleFunc("DELETE /records", h.removeByFilter)
	h.mux.HandleFunc("GET /records/{id}", h.getRecord)
	h.mux.HandleFunc("PUT /records/{id}", h.update)
	h.mux.HandleFunc("DELETE /records/{id}", h.removeByID)
	h.mux.HandleFunc("GET /records/{id}/revisions", h.revisions)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

// writeStoreError maps store and validation errors to a status code.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": "schema validation failed: " + verr.Error(),
			"fields": verr.Fields(),
		})
	case errors.Is(err, store.ErrInvalidFilter),
		errors.Is(err, store.ErrInvalidLimit),
		errors.Is(err, store.ErrInvalidOptions),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, store.ErrNoSelection),
		errors.Is(err, store.ErrRevisionsDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrExists), errors.Is(err, store.ErrNotInstalled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseFilter decodes the JSON object in the "filter" query parameter.
func parseFilter(r *http.Request) (store.Filter, error) {
	raw := r.URL.Query().Get("filter")
	if raw == "" {
		return nil, nil
	}
	var f store.Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidFilter, err)
	}
	return f, nil
}

func queryInt(r *http.Request, name string) (int, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s must be an integer", store.ErrInvalidLimit, name)
	}
	return n, true, nil
}

// parseFetch builds FetchOptions from query parameters:
//
//	id=a&id=b  filter={"status":"active"}  limit=10  offset=20
//	fields=name,age  sort=age  desc=true
func parseFetch(r *http.Request) (store.FetchOptions, error) {
	var opts store.FetchOptions
	q := r.URL.Query()

	if ids, ok := q["id"]; ok {
		opts.IDs = ids
	}
	f, err := parseFilter(r)
	if err != nil {
		return opts, err
	}
	opts.Filter = f

	count, hasCount, err := queryInt(r, "limit")
	if err != nil {
		return opts, err
	}
	offset, hasOffset, err := queryInt(r, "offset")
	if err != nil {
		return opts, err
	}
	if hasCount || hasOffset {
		opts.Limit = &store.Limit{Offset: offset, Count: count}
	}

	if fields := q.Get("fields"); fields != "" {
		opts.Fields = strings.Split(fields, ",")
	}

	for _, name := range []string{"sort", "desc"} {
		if v := q.Get(name); v != "" {
			if opts.Options == nil {
				opts.Options = map[string]any{}
			}
			opts.Options[name] = v
		}
	}
	return opts, nil
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	// Only match exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "Record Storage",
		"record":  h.def.Name,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.def)
}

// ---------- storage location ----------

func (h *Handler) install(w http.ResponseWriter, r *http.Request) {
	ok, err := h.store.Install(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installed": ok})
}

func (h *Handler) uninstall(w http.ResponseWriter, r *http.Request) {
	ok, err := h.store.Uninstall(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uninstalled": ok})
}

// ---------- records ----------

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	opts, err := parseFetch(r)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	recs, err := h.store.Fetch(r.Context(), opts)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	n, err := h.store.Count(r.Context(), f)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// add accepts a single object or an array of objects. Every record is
// validated before any is stored.
func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	var values []record.Record
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &values); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	} else {
		var one record.Record
		if err := json.Unmarshal(body, &one); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		values = []record.Record{one}
	}
	if len(values) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ids": []string{}})
		return
	}

	data, err := h.store.Create(values...)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	recs := make([]record.Record, len(data))
	for i, d := range data {
		recs[i] = d.Record()
	}
	ids, err := h.store.Add(r.Context(), recs...)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

// getRecord also answers HEAD, which GET patterns match.
func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		h.exists(w, r)
		return
	}
	opts := store.ByID(r.PathValue("id"))
	if fields := r.URL.Query().Get("fields"); fields != "" {
		opts.Fields = strings.Split(fields, ",")
	}
	recs, err := h.store.Fetch(r.Context(), opts)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, recs[0])
}

func (h *Handler) exists(w http.ResponseWriter, r *http.Request) {
	ok, err := h.store.Exists(r.Context(), r.PathValue("id"))
	switch {
	case err != nil && errors.Is(err, store.ErrNotInstalled):
		w.WriteHeader(http.StatusConflict)
	case err != nil:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	case ok:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// update replaces the record with the request body and records the
// difference in the revision log.
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var incoming record.Record
	if err := readJSON(w, r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if v, ok := incoming[h.def.KeyField()]; ok && v != id {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s does not match the path", h.def.KeyField()))
		return
	}

	d, err := store.Get(r.Context(), h.store, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	for field := range d.Record() {
		if _, ok := incoming[field]; !ok && field != h.def.KeyField() {
			d.Delete(field)
		}
	}
	for field, v := range incoming {
		d.Set(field, v)
	}

	changes, err := store.Update(r.Context(), h.store, d)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":  d.Record(),
		"changes": changes,
	})
}

func (h *Handler) removeByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.store.Remove(r.Context(), store.Selection{IDs: []string{id}})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id, "removed": n})
}

func (h *Handler) removeByFilter(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	sel := store.Selection{IDs: r.URL.Query()["id"], Filter: f}
	n, err := h.store.Remove(r.Context(), sel)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "removed": n})
}

func (h *Handler) revisions(w http.ResponseWriter, r *http.Request) {
	revs, err := h.store.Revisions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}
