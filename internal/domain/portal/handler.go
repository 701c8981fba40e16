package portal

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medora/healthalert/internal/domain/session"
	"github.com/medora/healthalert/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dashboard/patient", h.GetPatientDashboard, auth.RequireRole(auth.RolePatient))
	api.GET("/dashboard/doctor", h.GetDoctorDashboard, auth.RequireRole(auth.RoleDoctor))
	api.GET("/search/patients/:id", h.SearchPatient, auth.RequireRole(auth.RoleDoctor))
	api.PUT("/me/profile", h.UpdateProfile, auth.RequireRole(auth.RolePatient))
}

func (h *Handler) GetPatientDashboard(c echo.Context) error {
	d, err := h.svc.PatientDashboard(c.Request().Context(), session.FromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetDoctorDashboard(c echo.Context) error {
	d, err := h.svc.DoctorDashboard(c.Request().Context(), session.FromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// SearchPatient answers 200, 404 or 403 with a status body so clients can
// tell a missing patient from one outside the care set.
func (h *Handler) SearchPatient(c echo.Context) error {
	res, err := h.svc.SearchPatient(c.Request().Context(), session.FromContext(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	switch res.Status {
	case SearchNotFound:
		return c.JSON(http.StatusNotFound, res)
	case SearchUnauthorized:
		return c.JSON(http.StatusForbidden, res)
	default:
		return c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	var overrides map[string]json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&overrides); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), session.FromContext(c), overrides)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidProfile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
