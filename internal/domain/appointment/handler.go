package appointment

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/validation"
	"github.com/telemed/telemed/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Any signed-in caller; ownership is checked per appointment
	api.GET("/appointments/:id", h.Get)
	api.GET("/queue/position/:appointmentId", h.Position)
	api.GET("/queue/doctor/:doctorId", h.DoctorQueue)
	api.PATCH("/appointments/:id/cancel", h.Cancel)
	api.POST("/appointments/:id/patient-joined", h.PatientJoined)

	patients := api.Group("", auth.RequireRole(auth.RolePatient))
	patients.POST("/appointments", h.Book)

	self := api.Group("", auth.RequireSelfOrRole("patientId", auth.RoleDoctor))
	self.GET("/appointments/patient/:patientId", h.ListByPatient)

	doctors := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.PATCH("/appointments/:id/status", h.UpdateStatus)
	doctors.POST("/appointments/:id/reassign", h.Reassign)
	doctors.GET("/appointments/doctor/:doctorId/today", h.Today)
}

// visible reports whether the caller may see a. Doctors see every
// appointment; patients only their own.
func visible(ctx context.Context, a *Appointment) bool {
	if auth.HasRole(ctx, auth.RoleDoctor) {
		return true
	}
	return a.PatientID != "" && a.PatientID == auth.UserIDFromContext(ctx)
}

func parseID(c echo.Context, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return uuid.Nil, apperr.HTTPError(apperr.Validation("INVALID_ID", "invalid appointment id"))
	}
	return id, nil
}

// load fetches the appointment named by param and enforces visibility.
func (h *Handler) load(c echo.Context, param string) (*Appointment, error) {
	id, err := parseID(c, param)
	if err != nil {
		return nil, err
	}
	a, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	if !visible(c.Request().Context(), a) {
		return nil, apperr.HTTPError(apperr.NotFound("appointment not found"))
	}
	return a, nil
}

func (h *Handler) Book(c echo.Context) error {
	var req BookRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if req.PatientID == "" || !auth.HasRole(ctx, auth.RoleAdmin) {
		req.PatientID = auth.UserIDFromContext(ctx)
	}
	a, err := h.svc.Book(ctx, &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	a, err := h.load(c, "id")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// historyLimits bound a patient's appointment history pages.
var historyLimits = pagination.Limits{Default: 10, Max: 50}

func (h *Handler) ListByPatient(c echo.Context) error {
	pg := historyLimits.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), c.Param("patientId"), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) Cancel(c echo.Context) error {
	a, err := h.load(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	a, err = h.svc.Cancel(c.Request().Context(), a.ID, req.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed in_progress completed cancelled no_show rescheduled"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	a, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) PatientJoined(c echo.Context) error {
	a, err := h.load(c, "id")
	if err != nil {
		return err
	}
	a, err = h.svc.MarkPatientJoined(c.Request().Context(), a.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Reassign(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.Reassign(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"appointment":      a,
		"new_queue_number": a.QueueNumber,
	})
}

func (h *Handler) Today(c echo.Context) error {
	summary, err := h.svc.DaySummary(c.Request().Context(), c.Param("doctorId"), c.QueryParam("date"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) DoctorQueue(c echo.Context) error {
	q, err := h.svc.DoctorQueue(c.Request().Context(), c.Param("doctorId"), c.QueryParam("date"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) Position(c echo.Context) error {
	a, err := h.load(c, "appointmentId")
	if err != nil {
		return err
	}
	pos, err := h.svc.Position(c.Request().Context(), a.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pos)
}
