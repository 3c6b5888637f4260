package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2)
	h := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:5000"); code != http.StatusCreated {
			t.Fatalf("request %d: got %d want %d", i, code, http.StatusCreated)
		}
	}
	if code := send("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Fatalf("over burst: got %d want %d", code, http.StatusTooManyRequests)
	}
	if code := send("10.0.0.2:5000"); code != http.StatusCreated {
		t.Fatalf("other client: got %d want %d", code, http.StatusCreated)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin: got %q", got)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("first request should pass")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("second request should be limited")
	}
	limiter.Allow("10.0.0.2")
	if got := limiter.Clients(); got != 2 {
		t.Fatalf("unexpected client count: got %d want 2", got)
	}

	now = now.Add(limiterIdleTTL / 2)
	limiter.Allow("10.0.0.2")

	now = now.Add(limiterIdleTTL/2 + time.Second)
	limiter.Allow("10.0.0.3")
	if got := limiter.Clients(); got != 2 {
		t.Fatalf("idle client not evicted: got %d want 2", got)
	}
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("evicted client should start with a fresh bucket")
	}
}
