package trace

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"payflow/internal/log"
)

func TestMiddleware_AssignsRequestID(t *testing.T) {
	var seen string
	var observed int
	m := NewMiddleware(func(r *http.Request) string { return "127.0.0.1" }, log.Discard(),
		func(method string, status int, elapsed time.Duration) {
			observed = status
		})

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/items", nil))

	if !strings.HasPrefix(seen, "req_") {
		t.Fatalf("request id = %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("header = %q, want %q", rec.Header().Get(RequestIDHeader), seen)
	}
	if observed != http.StatusCreated {
		t.Errorf("observed status = %d", observed)
	}
	if m.TotalRequests() != 1 {
		t.Errorf("TotalRequests = %d", m.TotalRequests())
	}
}

func TestMiddleware_KeepsIncomingRequestID(t *testing.T) {
	m := NewMiddleware(nil, log.Discard(), nil)
	var seen string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set(RequestIDHeader, "req_upstream")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "req_upstream" {
		t.Fatalf("request id = %q", seen)
	}
}

func TestGenerateRequestIDUnique(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if a == b {
		t.Fatal("request ids must differ")
	}
}
