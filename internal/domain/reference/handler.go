package reference

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medora/healthalert/internal/platform/auth"
)

type Handler struct {
	accessor *Accessor
}

func NewHandler(accessor *Accessor) *Handler {
	return &Handler{accessor: accessor}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reference", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	g.GET("/doctors/:id", h.GetDoctor)
	g.GET("/drug-interactions", h.ListDrugInteractions)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	data := h.accessor.Load(c.Request().Context())
	d, ok := data.FindDoctor(NormalizeID(c.Param("id")))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "doctor not found")
	}
	pub := d.Public()
	pub.PatientsUnderCare = nil
	return c.JSON(http.StatusOK, pub)
}

func (h *Handler) ListDrugInteractions(c echo.Context) error {
	data := h.accessor.Load(c.Request().Context())
	rules := data.Rules()
	if rules == nil {
		rules = []DrugInteractionRule{}
	}
	return c.JSON(http.StatusOK, rules)
}
