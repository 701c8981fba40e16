package inbox

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/domain/session"
	"github.com/medora/healthalert/internal/platform/auth"
	"github.com/medora/healthalert/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	viewers := auth.RequireRole(auth.RolePatient, auth.RoleDoctor)
	doctors := auth.RequireRole(auth.RoleDoctor)
	patients := auth.RequireRole(auth.RolePatient)

	api.GET("/feed", h.GetFeed, viewers)
	api.GET("/appointments/upcoming", h.GetUpcoming, viewers)

	api.POST("/patients/:id/messages", h.PostMessage, doctors)
	api.POST("/patients/:id/lab-orders", h.OrderLabs, doctors)
	api.POST("/patients/:id/appointments", h.ScheduleAppointment, doctors)

	api.POST("/me/messages", h.PostOwnMessage, patients)
	api.POST("/me/allergies", h.AddAllergy, patients)
}

// GetFeed handles GET /feed?order=asc|desc&type=...&limit=&offset=. The
// page is cut after ordering and filtering.
func (h *Handler) GetFeed(c echo.Context) error {
	typ, err := ParseItemType(c.QueryParam("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	page, err := pagination.FromContext(c)
	if err != nil {
		return err
	}
	q := FeedQuery{Order: ParseOrder(c.QueryParam("order"), Descending), Type: typ}
	ctx := c.Request().Context()

	sess := session.FromContext(c)
	var items []NotificationItem
	switch {
	case sess.IsPatient():
		items = h.svc.PatientFeed(ctx, sess.Patient, q)
	case sess.IsDoctor():
		doc, ref := h.svc.CurrentDoctor(ctx, sess.Doctor)
		items = h.svc.DoctorFeed(ctx, doc, ref, q)
	default:
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"order":   q.Order,
		"type":    q.Type,
		"total":   len(items),
		"limit":   page.Limit,
		"offset":  page.Offset,
		"hasMore": page.HasNext(len(items)),
		"items":   pagination.Page(items, page),
	})
}

// GetUpcoming handles GET /appointments/upcoming?all=true. By default only
// future slots are listed.
func (h *Handler) GetUpcoming(c echo.Context) error {
	futureOnly := true
	if v := c.QueryParam("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "all must be a boolean")
		}
		futureOnly = !all
	}
	ctx := c.Request().Context()

	sess := session.FromContext(c)
	var list []reference.Appointment
	switch {
	case sess.IsPatient():
		list = h.svc.PatientAppointments(ctx, sess.Patient, futureOnly)
	case sess.IsDoctor():
		doc, _ := h.svc.CurrentDoctor(ctx, sess.Doctor)
		list = h.svc.DoctorAppointments(ctx, doc, futureOnly)
	default:
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
	}
	return c.JSON(http.StatusOK, list)
}

type messageRequest struct {
	Text string `json:"text"`
}

type labOrderRequest struct {
	Tests []string `json:"tests"`
}

type allergyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) PostMessage(c echo.Context) error {
	doc, err := h.doctor(c)
	if err != nil {
		return err
	}
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.PostMessage(c.Request().Context(), doc, reference.NormalizeID(c.Param("id")), req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) OrderLabs(c echo.Context) error {
	doc, err := h.doctor(c)
	if err != nil {
		return err
	}
	var req labOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	o, err := h.svc.OrderLabs(c.Request().Context(), doc, reference.NormalizeID(c.Param("id")), req.Tests)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) ScheduleAppointment(c echo.Context) error {
	doc, err := h.doctor(c)
	if err != nil {
		return err
	}
	var req reference.Appointment
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.ScheduleAppointment(c.Request().Context(), doc, reference.NormalizeID(c.Param("id")), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) PostOwnMessage(c echo.Context) error {
	sess := session.FromContext(c)
	if !sess.IsPatient() {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in as a patient")
	}
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.PatientMessage(c.Request().Context(), sess.Patient, req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) AddAllergy(c echo.Context) error {
	sess := session.FromContext(c)
	if !sess.IsPatient() {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in as a patient")
	}
	var req allergyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	added, err := h.svc.AddAllergy(c.Request().Context(), sess.Patient, req.Name)
	if err != nil {
		return httpError(err)
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]interface{}{"name": req.Name, "added": added})
}

func (h *Handler) doctor(c echo.Context) (*reference.Doctor, error) {
	sess := session.FromContext(c)
	if !sess.IsDoctor() {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "not logged in as a doctor")
	}
	doc, _ := h.svc.CurrentDoctor(c.Request().Context(), sess.Doctor)
	return doc, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownPatient):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotAssigned):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNoDoctor):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
