package cds

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/domain/session"
	"github.com/medora/healthalert/internal/platform/auth"
)

// PatientResolver returns the effective patient record, with local profile
// overrides and allergy additions applied, together with the reference data
// it was resolved from. A missing patient is reference.ErrNotFound.
type PatientResolver interface {
	ResolvePatient(ctx context.Context, id reference.ID) (*reference.Patient, *reference.Data, error)
}

type Handler struct {
	engine   *Engine
	patients PatientResolver
}

func NewHandler(engine *Engine, patients PatientResolver) *Handler {
	return &Handler{engine: engine, patients: patients}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	g.GET("/:id/evaluation", h.GetEvaluation)
	g.GET("/:id/report", h.GetReport)
}

type evaluationResponse struct {
	PatientID  reference.ID          `json:"patientId"`
	Evaluation *Evaluation           `json:"evaluation"`
	Suggestion *MedicationSuggestion `json:"medicationSuggestion,omitempty"`
	Options    []MedicationOption    `json:"medicationOptions,omitempty"`
	Risks      []MedicationRisk      `json:"medicationRisks,omitempty"`
}

func (h *Handler) GetEvaluation(c echo.Context) error {
	p, ref, err := h.resolve(c)
	if err != nil {
		return err
	}
	resp := evaluationResponse{
		PatientID:  p.ID,
		Evaluation: h.engine.Evaluate(p, ref),
	}
	if session.FromContext(c).IsDoctor() {
		resp.Suggestion = h.engine.SuggestMedication(p)
		resp.Options = h.engine.MedicationOptions(p)
		resp.Risks = MedicationRisks(p)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetReport(c echo.Context) error {
	p, ref, err := h.resolve(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.engine.Report(c.Request().Context(), p, ref))
}

// resolve loads the patient named in the path. Only the patient themself
// and a doctor caring for them may see it. A missing patient is 404 for
// every caller, before any care-set check.
func (h *Handler) resolve(c echo.Context) (*reference.Patient, *reference.Data, error) {
	sess := session.FromContext(c)
	if !sess.IsPatient() && !sess.IsDoctor() {
		return nil, nil, echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
	}
	id := reference.NormalizeID(c.Param("id"))
	if id == "" {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}

	p, ref, err := h.patients.ResolvePatient(c.Request().Context(), id)
	if errors.Is(err, reference.ErrNotFound) {
		return nil, nil, echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if sess.IsPatient() {
		if sess.Patient.ID != id {
			return nil, nil, echo.NewHTTPError(http.StatusForbidden, "patients may only view their own record")
		}
		return p, ref, nil
	}
	doc, ok := ref.FindDoctor(sess.Doctor.ID)
	if !ok {
		doc = sess.Doctor
	}
	if !doc.Assigned(id) {
		return nil, nil, echo.NewHTTPError(http.StatusForbidden, "patient is not under your care")
	}
	return p, ref, nil
}
