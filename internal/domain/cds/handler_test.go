package cds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/domain/session"
)

type mapResolver struct {
	patients map[reference.ID]*reference.Patient
}

func (m *mapResolver) ResolvePatient(_ context.Context, id reference.ID) (*reference.Patient, *reference.Data, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, nil, reference.ErrNotFound
	}
	return p, &reference.Data{}, nil
}

func newTestHandler() *Handler {
	res := &mapResolver{patients: map[reference.ID]*reference.Patient{
		"1": {ID: "1", Age: 75, HeightCm: fptr(170), WeightKg: fptr(92), Chronic: []string{"hypertension"}, ActiveMedications: []string{"ibuprofen"}},
		"2": {ID: "2", Age: 40},
	}}
	return NewHandler(newTestEngine(), res)
}

func evalContext(sess *session.Session, id string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	session.WithSession(c, sess)
	return c, rec
}

func TestHandler_GetEvaluation_Patient(t *testing.T) {
	h := newTestHandler()
	c, rec := evalContext(&session.Session{Patient: &reference.Patient{ID: "1"}}, "01")
	if err := h.GetEvaluation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp evaluationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Evaluation.Risk.Score != 70 {
		t.Errorf("expected score 70, got %d", resp.Evaluation.Risk.Score)
	}
	if resp.Suggestion != nil || resp.Options != nil {
		t.Error("patients should not see prescribing suggestions")
	}
}

func TestHandler_GetEvaluation_PatientOtherRecord(t *testing.T) {
	h := newTestHandler()
	c, _ := evalContext(&session.Session{Patient: &reference.Patient{ID: "2"}}, "1")
	err := h.GetEvaluation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestHandler_GetEvaluation_Doctor(t *testing.T) {
	h := newTestHandler()
	doc := &reference.Doctor{ID: "10", PatientsUnderCare: []reference.ID{"1"}}
	c, rec := evalContext(&session.Session{Doctor: doc}, "1")
	if err := h.GetEvaluation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp evaluationResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Suggestion == nil || resp.Suggestion.Drug != "lisinopril" {
		t.Errorf("expected lisinopril suggestion, got %+v", resp.Suggestion)
	}
	if len(resp.Risks) != 1 {
		t.Errorf("expected medication risks, got %+v", resp.Risks)
	}

	c, _ = evalContext(&session.Session{Doctor: doc}, "2")
	if he, ok := h.GetEvaluation(c).(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Error("expected 403 for a patient outside the care set")
	}
}

func TestHandler_GetEvaluation_NotFoundAndAnonymous(t *testing.T) {
	h := newTestHandler()
	doc := &reference.Doctor{ID: "10", PatientsUnderCare: []reference.ID{"99"}}
	c, _ := evalContext(&session.Session{Doctor: doc}, "99")
	if he, ok := h.GetEvaluation(c).(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Error("expected 404 for a missing patient")
	}

	doc = &reference.Doctor{ID: "10", PatientsUnderCare: []reference.ID{"1"}}
	c, _ = evalContext(&session.Session{Doctor: doc}, "999")
	if he, ok := h.GetEvaluation(c).(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a missing patient outside the care set, got %v", he)
	}

	c, _ = evalContext(&session.Session{}, "1")
	if he, ok := h.GetEvaluation(c).(*echo.HTTPError); !ok || he.Code != http.StatusUnauthorized {
		t.Error("expected 401 without a session")
	}
}

func TestHandler_GetReport(t *testing.T) {
	h := newTestHandler()
	c, rec := evalContext(&session.Session{Patient: &reference.Patient{ID: "1"}}, "1")
	if err := h.GetReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r Report
	json.Unmarshal(rec.Body.Bytes(), &r)
	if r.Source != SourceBaseline || r.RiskLevel != "high" {
		t.Errorf("unexpected report %+v", r)
	}
}
