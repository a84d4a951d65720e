package doctor

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
	api.GET("/doctors/:doctorId/settings", h.GetSettings)
	api.GET("/doctors/:doctorId/slots", h.Slots)

	// A doctor edits only their own settings; admins edit anyone's.
	owner := api.Group("", auth.RequireRole(auth.RoleDoctor), auth.RequireSelfOrRole("doctorId", auth.RoleAdmin))
	owner.PUT("/doctors/:doctorId/settings", h.UpdateSettings)
	owner.PATCH("/doctors/:doctorId/accepting", h.SetAccepting)
}

func (h *Handler) GetSettings(c echo.Context) error {
	st, err := h.svc.Get(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	// Fields left out of the body keep their default values.
	st := Defaults(c.Param("doctorId"))
	if err := validation.BindAndValidate(c, st); err != nil {
		return err
	}
	st.DoctorID = c.Param("doctorId")
	out, err := h.svc.Update(c.Request().Context(), st)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type acceptingRequest struct {
	Accepting *bool `json:"accepting" validate:"required"`
}

func (h *Handler) SetAccepting(c echo.Context) error {
	var req acceptingRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	st, err := h.svc.SetAccepting(c.Request().Context(), c.Param("doctorId"), *req.Accepting)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"accepting": st.AcceptingAppointmentsToday})
}

func (h *Handler) Slots(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		return apperr.HTTPError(apperr.Validation("INVALID_DATE", "date is required"))
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), c.Param("doctorId"), date)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, slots)
}
