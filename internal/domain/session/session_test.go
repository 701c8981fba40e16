package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/platform/auth"
)

const refDoc = `{
  "patients": [
    {"id": 1, "name": "Ana Pop", "age": 75, "email": "ana@example.com", "password": "secret", "chronic": [], "activeMedications": []}
  ],
  "doctors": [
    {"id": 10, "name": "Radu", "institutionId": "INST-1", "email": "radu@clinic.ro", "password": "doc", "patientsUnderCare": [1]}
  ],
  "drugInteractions": []
}`

type staticSource string

func (s staticSource) Fetch(context.Context) ([]byte, error) { return []byte(s), nil }

func newTestManager() (*Manager, *eventlog.MemoryKV, *auth.Issuer) {
	kv := eventlog.NewMemoryKV()
	issuer := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "healthalert", time.Hour)
	acc := reference.NewAccessor(staticSource(refDoc), zerolog.Nop())
	return NewManager(kv, acc, issuer, zerolog.Nop()), kv, issuer
}

func TestLoginPatient(t *testing.T) {
	m, kv, issuer := newTestManager()
	ctx := context.Background()

	sess, tok, err := m.LoginPatient(ctx, "001", "ANA@example.com", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.IsPatient() || sess.Subject() != "1" {
		t.Fatalf("expected patient session for 1, got %+v", sess)
	}
	if sess.Patient.Password != "" {
		t.Error("expected password stripped from snapshot")
	}
	if _, err := kv.Get(ctx, "loggedInPatient:"+sess.ID); err != nil {
		t.Errorf("expected snapshot stored: %v", err)
	}

	claims, err := issuer.Parse(tok.Token)
	if err != nil {
		t.Fatalf("token does not parse: %v", err)
	}
	if claims.SessionID != sess.ID || claims.Subject != "1" || claims.Roles[0] != auth.RolePatient {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestLoginPatient_BadCredentials(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	cases := []struct{ id, email, password string }{
		{"1", "ana@example.com", "wrong"},
		{"1", "other@example.com", "secret"},
		{"99", "ana@example.com", "secret"},
	}
	for _, tc := range cases {
		if _, _, err := m.LoginPatient(ctx, tc.id, tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("%+v: expected ErrInvalidCredentials, got %v", tc, err)
		}
	}
}

func TestLoginDoctor(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	sess, _, err := m.LoginDoctor(ctx, "inst-1", "radu@clinic.ro", "doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.IsDoctor() || sess.Role() != auth.RoleDoctor {
		t.Fatalf("expected doctor session, got %+v", sess)
	}
	if !sess.Doctor.Assigned("1") {
		t.Error("expected care set in snapshot")
	}

	if _, _, err := m.LoginDoctor(ctx, "INST-2", "radu@clinic.ro", "doc"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for wrong institution, got %v", err)
	}
}

func TestLoadAndLogout(t *testing.T) {
	m, kv, _ := newTestManager()
	ctx := context.Background()

	sess, _, err := m.LoginDoctor(ctx, "INST-1", "radu@clinic.ro", "doc")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	loaded, err := m.Load(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.IsDoctor() || loaded.Doctor.Name != "Radu" {
		t.Fatalf("expected doctor session, got %+v", loaded)
	}

	if err := m.Logout(ctx, sess.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	loaded, err = m.Load(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load after logout: %v", err)
	}
	if loaded.Role() != "" {
		t.Errorf("expected no identity after logout, got %q", loaded.Role())
	}

	// A corrupt snapshot reads as logged out.
	kv.Set(ctx, "loggedInPatient:bad", "{")
	loaded, err = m.Load(ctx, "bad")
	if err != nil || loaded.IsPatient() {
		t.Errorf("expected empty session for corrupt snapshot, got %+v, %v", loaded, err)
	}
}

func TestSession_NilSafe(t *testing.T) {
	var s *Session
	if s.IsPatient() || s.IsDoctor() || s.Role() != "" || s.Subject() != "" {
		t.Error("expected nil session to carry no identity")
	}
}

func TestHandler_LoginPatient(t *testing.T) {
	m, _, _ := newTestManager()
	h := NewHandler(m)
	e := echo.New()

	body := `{"id":"1","email":"ana@example.com","password":"secret"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.LoginPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"token"`) {
		t.Error("expected token in response")
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("password leaked into response")
	}
}

func TestHandler_LoginDoctor_Unauthorized(t *testing.T) {
	m, _, _ := newTestManager()
	h := NewHandler(m)
	e := echo.New()

	body := `{"institutionId":"INST-1","email":"radu@clinic.ro","password":"nope"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := h.LoginDoctor(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_LoginPatient_MissingFields(t *testing.T) {
	m, _, _ := newTestManager()
	h := NewHandler(m)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	if err := h.LoginPatient(c); err == nil {
		t.Error("expected error for missing fields")
	}
}

func TestMiddleware_ResolvesSession(t *testing.T) {
	m, _, _ := newTestManager()
	sess, _, err := m.LoginPatient(context.Background(), "1", "ana@example.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), sess.ID, "1", []string{auth.RolePatient}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got *Session
	handler := m.Middleware()(func(c echo.Context) error {
		got = FromContext(c)
		return nil
	})
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsPatient() || got.Patient.Name != "Ana Pop" {
		t.Errorf("expected resolved patient session, got %+v", got)
	}
}

func TestHandler_Logout(t *testing.T) {
	m, _, _ := newTestManager()
	h := NewHandler(m)
	sess, _, _ := m.LoginPatient(context.Background(), "1", "ana@example.com", "secret")

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), sess.ID, "1", []string{auth.RolePatient}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Logout(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	loaded, _ := m.Load(context.Background(), sess.ID)
	if loaded.Role() != "" {
		t.Error("expected session cleared")
	}
}

func TestHandler_Current_NotLoggedIn(t *testing.T) {
	h := NewHandler(nil)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := h.Current(c); err == nil {
		t.Error("expected 401 without a session")
	}
}
