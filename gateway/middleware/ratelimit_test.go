package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrow": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("escrow")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/escrow/deposits", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesLimits(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrow": {RequestsPerMinute: 60, Burst: 1},
		"query":  {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	escrowHandler := limiter.Middleware("escrow")(okHandler())
	queryHandler := limiter.Middleware("query")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/escrow/claims", nil)
	res := httptest.NewRecorder()
	escrowHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected escrow request to succeed, got %d", res.Code)
	}

	queryReq := httptest.NewRequest(http.MethodGet, "/v1/escrow/lock-duration", nil)
	queryRes := httptest.NewRecorder()
	queryHandler.ServeHTTP(queryRes, queryReq)
	if queryRes.Code != http.StatusOK {
		t.Fatalf("query bucket should be independent of escrow bucket, got %d", queryRes.Code)
	}
}

func TestRateLimiterKeysByClientAddress(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrow": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("escrow")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/v1/escrow/lock-duration", nil)
	reqA.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1")
	reqB := httptest.NewRequest(http.MethodGet, "/v1/escrow/lock-duration", nil)
	reqB.Header.Set("X-Real-IP", "10.0.0.2")

	for _, req := range []*http.Request{reqA, reqB} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected client %s to have its own bucket, got %d", clientID(req), res.Code)
		}
	}
	if got := clientID(reqA); got != "10.0.0.1" {
		t.Fatalf("unexpected forwarded client id %q", got)
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{"escrow": {RequestsPerMinute: 60, Burst: 1}}, nil)
	limiter.clockNow = func() time.Time { return now }

	handler := limiter.Middleware("escrow")(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected one tracked visitor, got %d", len(limiter.visitors))
	}

	now = now.Add(2 * visitorIdleTTL)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "10.9.9.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected idle visitor to be swept, have %d", len(limiter.visitors))
	}
}

func TestRateLimiterIgnoresUnknownLimit(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("missing")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("unconfigured limit should pass through, got %d", res.Code)
		}
	}
}
