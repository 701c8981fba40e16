package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func TestIssuer_IssueAndParse(t *testing.T) {
	iss := NewIssuer(testSigningKey, "healthalert", time.Hour)

	tok, exp, err := iss.Issue("sess-1", "42", RolePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Error("expected expiry in the future")
	}

	claims, err := iss.Parse(tok)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if claims.Subject != "42" || claims.SessionID != "sess-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RolePatient {
		t.Errorf("unexpected roles: %v", claims.Roles)
	}
}

func TestIssuer_RejectsWrongKey(t *testing.T) {
	tok, _, err := NewIssuer([]byte("other-key"), "", time.Hour).Issue("s", "1", RoleDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewIssuer(testSigningKey, "", time.Hour).Parse(tok); err == nil {
		t.Fatal("expected error for token signed with another key")
	}
}

func TestIssuer_RejectsExpired(t *testing.T) {
	iss := NewIssuer(testSigningKey, "", time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := iss.Issue("s", "1", RoleDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iss.now = time.Now
	if _, err := iss.Parse(tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestIssuer_RequiresKey(t *testing.T) {
	if _, _, err := NewIssuer(nil, "", time.Hour).Issue("s", "1", RolePatient); err == nil {
		t.Fatal("expected error without signing key")
	}
}

func TestIssuer_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{SessionID: "s"})
	tokenStr, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if _, err := NewIssuer(testSigningKey, "", time.Hour).Parse(tokenStr); err == nil {
		t.Fatal("expected alg=none to be rejected")
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Middleware(NewIssuer(testSigningKey, "", time.Hour), nil)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := Middleware(NewIssuer(testSigningKey, "", time.Hour), nil)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			if err := h(c); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	iss := NewIssuer(testSigningKey, "", time.Hour)
	tok, _, err := iss.Issue("sess-9", "10", RoleDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var subject, sid string
	var isDoctor bool
	h := Middleware(iss, nil)(func(c echo.Context) error {
		ctx := c.Request().Context()
		subject = SubjectFromContext(ctx)
		sid = SessionIDFromContext(ctx)
		isDoctor = HasRole(ctx, RoleDoctor)
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "10" || sid != "sess-9" || !isDoctor {
		t.Errorf("unexpected identity: subject=%q sid=%q doctor=%v", subject, sid, isDoctor)
	}
}

func TestMiddleware_QueryTokenOnGet(t *testing.T) {
	iss := NewIssuer(testSigningKey, "", time.Hour)
	tok, _, _ := iss.Issue("sess-ws", "1", RolePatient)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Middleware(iss, nil)(func(c echo.Context) error {
		return c.String(http.StatusOK, SubjectFromContext(c.Request().Context()))
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != "1" {
		t.Errorf("expected subject 1, got %q", rec.Body.String())
	}
}

func TestMiddleware_Skipper(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/health")

	h := Middleware(NewIssuer(testSigningKey, "", time.Hour), AuthSkipper)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("expected public path to skip auth, got %v", err)
	}
}
