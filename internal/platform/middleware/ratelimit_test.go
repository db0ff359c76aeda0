package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRateLimitWithinBurst(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := handler(c); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Fatalf("request %d: X-RateLimit-Limit = %q, want 10", i+1, got)
		}
	}
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	send := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		return rec, handler(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		if _, err := send(); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	rec, err := send()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("third request: error = %v, want HTTP error", err)
	}
	if he.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", he.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("third request: Retry-After header not set")
	}
}

func TestRateLimitSeparateTenantBuckets(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	send := func(tenant string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.Set("auth_tenant", tenant)
		return handler(c)
	}

	if err := send("clinic-a"); err != nil {
		t.Fatalf("tenant a first request: %v", err)
	}
	if err := send("clinic-a"); err == nil {
		t.Fatal("tenant a second request passed, want 429")
	}
	// A different tenant from the same address holds its own bucket.
	if err := send("clinic-b"); err != nil {
		t.Fatalf("tenant b first request: %v", err)
	}
}

func TestRateLimitForDerivesBurst(t *testing.T) {
	cfg := RateLimitFor(50)
	if cfg.RequestsPerSecond != 50 || cfg.BurstSize != 100 {
		t.Fatalf("got %+v, want rps 50 burst 100", cfg)
	}
	if cfg := RateLimitFor(0); cfg.RequestsPerSecond != 100 {
		t.Fatalf("zero rps not defaulted, got %+v", cfg)
	}
}
