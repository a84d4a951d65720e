package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/auth"
)

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func newRateLimitContext(e *echo.Echo, remote string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/position/x", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5, ExpiresIn: time.Minute})(okHandler)

	for i := 0; i < 5; i++ {
		c, rec := newRateLimitContext(e, "10.0.0.1:4000")
		if err := h(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2, ExpiresIn: time.Minute})(okHandler)

	for i := 0; i < 2; i++ {
		c, _ := newRateLimitContext(e, "10.0.0.2:4000")
		if err := h(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	c, rec := newRateLimitContext(e, "10.0.0.2:4000")
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if rec.Header().Get("Retry-After") != "3" {
		t.Errorf("expected Retry-After 3, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1, ExpiresIn: time.Minute})(okHandler)

	c, _ := newRateLimitContext(e, "10.0.0.3:4000")
	if err := h(c); err != nil {
		t.Fatalf("first client: unexpected error: %v", err)
	}
	c, _ = newRateLimitContext(e, "10.0.0.4:4000")
	if err := h(c); err != nil {
		t.Fatalf("second client should have its own bucket: %v", err)
	}
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()
	c, _ := newRateLimitContext(e, "10.0.0.5:4000")
	if key, _ := rateLimitKey(c); key != "ip:10.0.0.5" {
		t.Errorf("expected ip key, got %s", key)
	}

	ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, "patient-7")
	c.SetRequest(c.Request().WithContext(ctx))
	if key, _ := rateLimitKey(c); key != "user:patient-7" {
		t.Errorf("expected user key, got %s", key)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		t.Errorf("unexpected default config: %+v", cfg)
	}
}
