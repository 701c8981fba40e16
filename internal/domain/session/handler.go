package session

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medora/healthalert/internal/platform/auth"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts the session endpoints. loginMW wraps only the two
// login routes.
func (h *Handler) RegisterRoutes(api *echo.Group, loginMW ...echo.MiddlewareFunc) {
	api.POST("/session/patient", h.LoginPatient, loginMW...)
	api.POST("/session/doctor", h.LoginDoctor, loginMW...)
	api.GET("/session", h.Current)
	api.DELETE("/session", h.Logout)
}

type patientLogin struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type doctorLogin struct {
	InstitutionID string `json:"institutionId"`
	Email         string `json:"email"`
	Password      string `json:"password"`
}

type loginResponse struct {
	*Token
	Session *Session `json:"session"`
}

func (h *Handler) LoginPatient(c echo.Context) error {
	var req patientLogin
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ID == "" || req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id, email and password are required")
	}
	sess, tok, err := h.mgr.LoginPatient(c.Request().Context(), req.ID, req.Email, req.Password)
	return h.respond(c, sess, tok, err)
}

func (h *Handler) LoginDoctor(c echo.Context) error {
	var req doctorLogin
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.InstitutionID == "" || req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "institutionId, email and password are required")
	}
	sess, tok, err := h.mgr.LoginDoctor(c.Request().Context(), req.InstitutionID, req.Email, req.Password)
	return h.respond(c, sess, tok, err)
}

func (h *Handler) respond(c echo.Context, sess *Session, tok *Token, err error) error {
	if errors.Is(err, ErrInvalidCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, loginResponse{Token: tok, Session: sess})
}

func (h *Handler) Current(c echo.Context) error {
	sess := FromContext(c)
	if sess.Role() == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Logout(c echo.Context) error {
	sid := auth.SessionIDFromContext(c.Request().Context())
	if err := h.mgr.Logout(c.Request().Context(), sid); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
