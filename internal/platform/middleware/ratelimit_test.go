package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"
)

func limitedRequest(t *testing.T, handler echo.HandlerFunc, ip string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, handler(c)
}

func TestRateLimit(t *testing.T) {
	ok := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	t.Run("AllowsWithinBurst", func(t *testing.T) {
		handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(ok)
		for i := 0; i < 5; i++ {
			rec, err := limitedRequest(t, handler, "")
			if err != nil {
				t.Fatalf("request %d: %v", i+1, err)
			}
			if rec.Header().Get("X-RateLimit-Limit") != "10" {
				t.Fatalf("request %d: missing X-RateLimit-Limit header", i+1)
			}
		}
	})

	t.Run("RejectsBeyondBurst", func(t *testing.T) {
		handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(ok)
		for i := 0; i < 2; i++ {
			if _, err := limitedRequest(t, handler, ""); err != nil {
				t.Fatalf("request %d: %v", i+1, err)
			}
		}

		rec, err := limitedRequest(t, handler, "")
		if err == nil {
			t.Fatal("expected third request to be limited")
		}
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %v", err)
		}

		retryAfter, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
		if convErr != nil || retryAfter < 1 {
			t.Errorf("expected positive Retry-After, got %q", rec.Header().Get("Retry-After"))
		}
		if rec.Header().Get("X-RateLimit-Remaining") != "0" {
			t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
		}
	})

	t.Run("BucketsAreKeyedByIP", func(t *testing.T) {
		handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(ok)

		if _, err := limitedRequest(t, handler, "10.0.0.1"); err != nil {
			t.Fatalf("first request from 10.0.0.1: %v", err)
		}
		if _, err := limitedRequest(t, handler, "10.0.0.1"); err == nil {
			t.Fatal("second request from 10.0.0.1 should be limited")
		}
		// A different client gets its own bucket.
		if _, err := limitedRequest(t, handler, "10.0.0.2"); err != nil {
			t.Fatalf("first request from 10.0.0.2: %v", err)
		}
	})
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestTokenBucket_ZeroRateRetryAfter(t *testing.T) {
	b := newTokenBucket(0, 1)
	if !b.allow() {
		t.Fatal("expected the single burst token")
	}
	if b.allow() {
		t.Fatal("expected exhaustion after one token")
	}
	if ra := b.retryAfter(); ra != 1 {
		t.Errorf("expected retryAfter 1 for zero refill rate, got %d", ra)
	}
}

func TestRateLimiterStore_ReusesBuckets(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	a := store.getBucket("key1")
	if a == nil {
		t.Fatal("expected a bucket")
	}
	if b := store.getBucket("key1"); a != b {
		t.Error("same key should return the same bucket")
	}
	if c := store.getBucket("key2"); a == c {
		t.Error("different keys should get distinct buckets")
	}
}
