package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		origin      string
		want        string
		credentials string
	}{
		{"wildcard", []string{"*"}, "https://a.example", "*", ""},
		{"listed", []string{"https://a.example", " https://b.example"}, "https://b.example", "https://b.example", "true"},
		{"unlisted", []string{"https://a.example"}, "https://evil.example", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/records", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			corsMiddleware(okHandler(), tc.origins).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("expected allow-origin %q, got %q", tc.want, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tc.credentials {
				t.Fatalf("expected allow-credentials %q, got %q", tc.credentials, got)
			}
			if rec.Code != http.StatusTeapot {
				t.Fatalf("expected request to reach handler, got %d", rec.Code)
			}
		})
	}

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/records", nil)
		rec := httptest.NewRecorder()
		corsMiddleware(okHandler(), []string{"*"}).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
	})
}

func TestLogMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Level: hclog.Debug, Output: &buf})

	req := httptest.NewRequest(http.MethodDelete, "/records/u1", nil)
	rec := httptest.NewRecorder()
	logMiddleware(okHandler(), logger).ServeHTTP(rec, req)

	out := buf.String()
	for _, want := range []string{"method=DELETE", "path=/records/u1", "status=418"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log line %q", want, out)
		}
	}
}
