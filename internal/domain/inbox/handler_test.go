package inbox

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/domain/session"
	"github.com/medora/healthalert/internal/platform/auth"
)

func request(sess *session.Session, method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) == 2 {
		c.SetParamNames(params[0])
		c.SetParamValues(params[1])
	}
	session.WithSession(c, sess)
	return c, rec
}

func statusOf(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(newFixture(t).svc).RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/feed":                       false,
		"GET /api/v1/appointments/upcoming":      false,
		"POST /api/v1/patients/:id/messages":     false,
		"POST /api/v1/patients/:id/lab-orders":   false,
		"POST /api/v1/patients/:id/appointments": false,
		"POST /api/v1/me/messages":               false,
		"POST /api/v1/me/allergies":              false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestHandler_DoctorPostsThenPatientReadsFeed(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)

	c, rec := request(&session.Session{Doctor: f.doctor("10")}, http.MethodPost, "/", `{"tests":["CBC","Lipid panel"]}`, "id", "01")
	if err := h.OrderLabs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	c, rec = request(&session.Session{Patient: f.patient("1")}, http.MethodGet, "/feed?type=lab-order&order=asc", "")
	if err := h.GetFeed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Order Order              `json:"order"`
		Items []NotificationItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Order != Ascending || len(body.Items) != 1 || body.Items[0].Text != "Lab order: CBC, Lipid panel" {
		t.Fatalf("unexpected feed %+v", body)
	}
}

func TestHandler_ErrorStatuses(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	radu := &session.Session{Doctor: f.doctor("10")}

	c, _ := request(radu, http.MethodPost, "/", `{"text":"hi"}`, "id", "2")
	if got := statusOf(h.PostMessage(c)); got != http.StatusForbidden {
		t.Errorf("expected 403 for unassigned patient, got %d", got)
	}
	c, _ = request(radu, http.MethodPost, "/", `{"text":"hi"}`, "id", "404")
	if got := statusOf(h.PostMessage(c)); got != http.StatusNotFound {
		t.Errorf("expected 404 for unknown patient, got %d", got)
	}
	c, _ = request(radu, http.MethodPost, "/", `{"date":"2026-03-09"}`, "id", "1")
	if got := statusOf(h.ScheduleAppointment(c)); got != http.StatusBadRequest {
		t.Errorf("expected 400 for missing time, got %d", got)
	}
	c, _ = request(&session.Session{}, http.MethodPost, "/", `{"text":"hi"}`, "id", "1")
	if got := statusOf(h.PostMessage(c)); got != http.StatusUnauthorized {
		t.Errorf("expected 401 without a session, got %d", got)
	}
	c, _ = request(&session.Session{Patient: f.patient("1")}, http.MethodGet, "/feed?type=fax", "")
	if got := statusOf(h.GetFeed(c)); got != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", got)
	}
	c, _ = request(&session.Session{Patient: f.patient("3")}, http.MethodPost, "/", `{"text":"hello"}`)
	if got := statusOf(h.PostOwnMessage(c)); got != http.StatusConflict {
		t.Errorf("expected 409 for a patient without a doctor, got %d", got)
	}
}

func TestHandler_AddAllergy(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	ana := &session.Session{Patient: f.patient("1")}

	c, rec := request(ana, http.MethodPost, "/", `{"name":"Penicillin"}`)
	if err := h.AddAllergy(c); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", rec.Code, err)
	}
	c, rec = request(ana, http.MethodPost, "/", `{"name":"penicillin"}`)
	if err := h.AddAllergy(c); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a duplicate, got %d (%v)", rec.Code, err)
	}
}

func TestHandler_GetUpcoming(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)

	c, rec := request(&session.Session{Patient: f.patient("1")}, http.MethodGet, "/appointments/upcoming", "")
	if err := h.GetUpcoming(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []map[string]string
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0]["date"] != "2026-03-02" {
		t.Errorf("unexpected upcoming list %v", list)
	}

	c, _ = request(&session.Session{Patient: f.patient("1")}, http.MethodGet, "/appointments/upcoming?all=maybe", "")
	if got := statusOf(h.GetUpcoming(c)); got != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad flag, got %d", got)
	}
}

func TestHandler_DoctorCareSetComesFromReference(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	stale := &session.Session{Doctor: &reference.Doctor{ID: "10", Name: "Radu", PatientsUnderCare: []reference.ID{"1", "2"}}}

	c, _ := request(stale, http.MethodPost, "/", `{"text":"hi"}`, "id", "2")
	if got := statusOf(h.PostMessage(c)); got != http.StatusForbidden {
		t.Errorf("expected 403 for a patient dropped from the care set, got %d", got)
	}
	c, rec := request(stale, http.MethodPost, "/", `{"text":"hi"}`, "id", "3")
	if err := h.PostMessage(c); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a patient added to the care set, got %d (%v)", rec.Code, err)
	}

	c, rec = request(stale, http.MethodGet, "/feed", "")
	if err := h.GetFeed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Items []NotificationItem `json:"items"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Items) != 1 || body.Items[0].PatientID != "3" {
		t.Fatalf("expected the feed to follow the reference care set, got %+v", body.Items)
	}
}

func TestHandler_RoleGuards(t *testing.T) {
	f := newFixture(t)
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/1/messages", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), "s1", "1", []string{auth.RolePatient}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a patient posting as a doctor, got %d", rec.Code)
	}
}

func TestHandler_GetFeedPaging(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	radu := &session.Session{Doctor: f.doctor("10")}

	for _, text := range []string{"one", "two", "three"} {
		c, _ := request(radu, http.MethodPost, "/", `{"text":"`+text+`"}`, "id", "1")
		if err := h.PostMessage(c); err != nil {
			t.Fatalf("post %s: %v", text, err)
		}
	}

	var body struct {
		Total   int                `json:"total"`
		Limit   int                `json:"limit"`
		Offset  int                `json:"offset"`
		HasMore bool               `json:"hasMore"`
		Items   []NotificationItem `json:"items"`
	}
	c, rec := request(&session.Session{Patient: f.patient("1")}, http.MethodGet, "/feed?type=message&limit=2", "")
	if err := h.GetFeed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 3 || body.Limit != 2 || len(body.Items) != 2 || !body.HasMore {
		t.Fatalf("unexpected first page %+v", body)
	}

	c, rec = request(&session.Session{Patient: f.patient("1")}, http.MethodGet, "/feed?type=message&limit=2&offset=2", "")
	if err := h.GetFeed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body.Items = nil
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Offset != 2 || len(body.Items) != 1 || body.HasMore {
		t.Fatalf("unexpected last page %+v", body)
	}

	c, _ = request(&session.Session{Patient: f.patient("1")}, http.MethodGet, "/feed?limit=zero", "")
	if got := statusOf(h.GetFeed(c)); got != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", got)
	}
}
