package reputation

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/validation"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireSelfOrRole("patientId", auth.RoleDoctor))
	read.GET("/reputation/:patientId", h.Get)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/reputation/:patientId/suspension", h.SetSuspension)
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SetSuspension(c echo.Context) error {
	var req SuspensionRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.SetSuspension(c.Request().Context(), c.Param("patientId"), req.Suspended, req.Until)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
