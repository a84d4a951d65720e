package unavailability

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
	api.GET("/unavailability/doctor/:doctorId/current", h.Current)

	doctors := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.POST("/unavailability", h.Declare)
}

// Declare records a window for the calling doctor.
func (h *Handler) Declare(c echo.Context) error {
	var req DeclareRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	u, err := h.svc.Declare(ctx, auth.UserIDFromContext(ctx), auth.UserNameFromContext(ctx), &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) Current(c echo.Context) error {
	u, err := h.svc.Current(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if u == nil {
		return c.JSON(http.StatusOK, map[string]any{"available": true})
	}
	return c.JSON(http.StatusOK, map[string]any{"available": false, "unavailability": u})
}
