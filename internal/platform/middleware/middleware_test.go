package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/platform/auth"
)

func newContext(method, target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	var seen string
	err := RequestID()(func(c echo.Context) error {
		seen = requestID(c)
		return ok(c)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" {
		t.Error("expected request_id to be generated")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected response header %q, got %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")
	RequestID()(ok)(c)
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/api/v1/feed")
	c.Set(requestIDKey, "req-1")
	c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), "s1", "7", []string{auth.RolePatient})))

	if err := Logger(zerolog.New(&buf))(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := buf.String()
	for _, want := range []string{`"request_id":"req-1"`, `"status":200`, `"subject":"7"`, `"level":"info"`} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %s in %s", want, line)
		}
	}
}

func TestLogger_ErrorLevels(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/")
	Logger(zerolog.New(&buf))(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "no")
	})(c)
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"status":403`) {
		t.Errorf("expected a warn line with 403, got %s", buf.String())
	}

	buf.Reset()
	c, _ = newContext(http.MethodGet, "/")
	Logger(zerolog.New(&buf))(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})(c)
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("expected an error line, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/panic")
	err := Recovery(zerolog.Nop())(func(echo.Context) error {
		panic("test panic")
	})(c)

	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_RepanicsOnAbort(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/abort")
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", r)
		}
	}()
	Recovery(zerolog.Nop())(func(echo.Context) error {
		panic(http.ErrAbortHandler)
	})(c)
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/ok")
	if err := Recovery(zerolog.Nop())(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/dashboard/patient")
	SecurityHeaders()(ok)(c)
	expected := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: expected %q, got %q", header, want, got)
		}
	}

	c, rec = newContext(http.MethodGet, "/ws")
	SecurityHeaders()(ok)(c)
	if rec.Header().Get("Content-Security-Policy") != "" {
		t.Error("expected no CSP on the websocket path")
	}
}

func TestRequestTimeout(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/api/v1/feed")
	err := RequestTimeout(20*time.Millisecond)(func(echo.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})(c)
	if he, isHTTP := err.(*echo.HTTPError); !isHTTP || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}

	c, _ = newContext(http.MethodGet, "/ws")
	var deadline bool
	RequestTimeout(time.Millisecond)(func(c echo.Context) error {
		_, deadline = c.Request().Context().Deadline()
		return nil
	})(c)
	if deadline {
		t.Error("websocket requests must not get a deadline")
	}
}

func TestRateLimit(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})(ok)

	for i := 0; i < 2; i++ {
		c, _ := newContext(http.MethodPost, "/api/v1/auth/login")
		if err := mw(c); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
	c, rec := newContext(http.MethodPost, "/api/v1/auth/login")
	err := mw(c)
	if he, isHTTP := err.(*echo.HTTPError); !isHTTP || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	other, _ := newContext(http.MethodPost, "/api/v1/auth/login")
	other.Request().RemoteAddr = "10.0.0.9:5555"
	if err := mw(other); err != nil {
		t.Errorf("a different client must have its own bucket, got %v", err)
	}
}

func TestAudit_RecordsMutations(t *testing.T) {
	var entries []AuditEntry
	rec := AuditRecorderFunc(func(e AuditEntry) error {
		entries = append(entries, e)
		return nil
	})
	mw := Audit(zerolog.Nop(), rec)

	c, _ := newContext(http.MethodPost, "/api/v1/patients/1/messages")
	ctx := auth.WithIdentity(context.Background(), "s1", "10", []string{auth.RoleDoctor})
	c.SetRequest(c.Request().WithContext(ctx))
	mw(func(c echo.Context) error { return c.NoContent(http.StatusCreated) })(c)

	c, _ = newContext(http.MethodGet, "/api/v1/feed")
	mw(ok)(c)
	c, _ = newContext(http.MethodPost, "/ws")
	mw(ok)(c)

	if len(entries) != 1 {
		t.Fatalf("expected only the API mutation to be audited, got %d", len(entries))
	}
	e := entries[0]
	if e.Subject != "10" || e.SessionID != "s1" || e.StatusCode != http.StatusCreated || e.Method != http.MethodPost {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestAudit_FailedHandlerStatus(t *testing.T) {
	var got int
	mw := Audit(zerolog.Nop(), AuditRecorderFunc(func(e AuditEntry) error {
		got = e.StatusCode
		return nil
	}))
	c, _ := newContext(http.MethodPut, "/api/v1/me/profile")
	mw(func(echo.Context) error { return echo.NewHTTPError(http.StatusBadRequest, "bad") })(c)
	if got != http.StatusBadRequest {
		t.Errorf("expected 400 recorded, got %d", got)
	}
}
