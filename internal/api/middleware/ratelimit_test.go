package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelrelay/relay/internal/config"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(t *testing.T, h http.Handler, path, addr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitExceededResponse(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{WindowMs: 60_000, Max: 2}, false)
	h := limitedHandler(rl)

	for i := 0; i < 2; i++ {
		if rec := hit(t, h, "/rpc", "203.0.113.9:4242"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := hit(t, h, "/rpc", "203.0.113.9:4242")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	var body struct {
		Error             string `json:"error"`
		Message           string `json:"message"`
		RetryAfterSeconds *int   `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error != "rate_limited" {
		t.Errorf("error = %q, want rate_limited", body.Error)
	}
	if body.Message == "" {
		t.Error("message missing")
	}
	if body.RetryAfterSeconds == nil || *body.RetryAfterSeconds < 1 {
		t.Errorf("retry_after_seconds = %v, want >= 1", body.RetryAfterSeconds)
	}
}

func TestRateLimitSourcesAreIndependent(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{WindowMs: 60_000, Max: 1}, false)
	h := limitedHandler(rl)

	if rec := hit(t, h, "/rpc", "203.0.113.9:4242"); rec.Code != http.StatusOK {
		t.Fatalf("first source: status = %d", rec.Code)
	}
	if rec := hit(t, h, "/rpc", "203.0.113.9:4242"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("first source not limited: status = %d", rec.Code)
	}
	if rec := hit(t, h, "/rpc", "198.51.100.7:4242"); rec.Code != http.StatusOK {
		t.Errorf("second source limited early: status = %d", rec.Code)
	}
}

// OAuth endpoints run on a quarter of the general budget.
func TestRateLimitAuthPathsAreStricter(t *testing.T) {
	rl := NewRateLimiter(config.RateLimit{WindowMs: 60_000, Max: 8}, false)
	h := limitedHandler(rl)

	for i := 0; i < 2; i++ {
		if rec := hit(t, h, "/token", "203.0.113.9:4242"); rec.Code != http.StatusOK {
			t.Fatalf("auth request %d: status = %d", i+1, rec.Code)
		}
	}
	if rec := hit(t, h, "/token", "203.0.113.9:4242"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("auth path not limited after quarter budget: status = %d", rec.Code)
	}
	if rec := hit(t, h, "/rpc", "203.0.113.9:4242"); rec.Code != http.StatusOK {
		t.Errorf("general path shares the auth bucket: status = %d", rec.Code)
	}
}
