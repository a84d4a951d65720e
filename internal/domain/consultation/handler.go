package consultation

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/attachment"
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
	// Participants of the session
	api.GET("/consultations/:id", h.Get)
	api.GET("/consultations/:id/messages", h.ListMessages)
	api.POST("/consultations/:id/messages", h.SendMessage)
	api.POST("/consultations/:id/messages/attachment", h.UploadAttachment)
	api.GET("/consultations/:id/messages/:messageId/attachment", h.DownloadAttachment)
	api.GET("/prescriptions/:id", h.GetPrescription)
	api.GET("/prescriptions/:id/pdf", h.PrescriptionPDF)

	self := api.Group("", auth.RequireSelfOrRole("patientId", auth.RoleDoctor))
	self.GET("/prescriptions/patient/:patientId", h.ListPrescriptionsByPatient)

	doctors := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.POST("/consultations/start/:appointmentId", h.Start)
	doctors.PUT("/consultations/:id/status", h.SetStatus)
	doctors.POST("/consultations/:id/finish", h.Finish)
	doctors.GET("/consultations/:id/notes", h.GetNotes)
	doctors.PUT("/consultations/:id/notes", h.UpdateNotes)
	doctors.POST("/consultations/:id/prescriptions", h.CreatePrescription)
	doctors.POST("/consultations/:id/analysis", h.RequestAnalysis)
	doctors.POST("/prescriptions/:id/supersede", h.SupersedePrescription)
}

// participant reports whether the caller is the session's doctor or patient.
func participant(ctx context.Context, doctorID, patientID string) bool {
	if auth.HasRole(ctx, auth.RoleAdmin) {
		return true
	}
	uid := auth.UserIDFromContext(ctx)
	return uid != "" && (uid == doctorID || uid == patientID)
}

// session loads the :id session and hides it from non-participants.
func (h *Handler) session(c echo.Context) (*Session, error) {
	sess, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	if !participant(c.Request().Context(), sess.DoctorID, sess.PatientID) {
		return nil, apperr.HTTPError(apperr.NotFound("consultation not found"))
	}
	return sess, nil
}

func (h *Handler) Start(c echo.Context) error {
	id, err := uuid.Parse(c.Param("appointmentId"))
	if err != nil {
		return apperr.HTTPError(apperr.Validation("INVALID_ID", "invalid appointment id"))
	}
	ctx := c.Request().Context()
	a, err := h.svc.Appointment(ctx, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	// Only the booked doctor may open the room.
	if !auth.HasRole(ctx, auth.RoleAdmin) && auth.UserIDFromContext(ctx) != a.DoctorID {
		return apperr.HTTPError(apperr.NotFound("appointment not found"))
	}
	sess, err := h.svc.Start(ctx, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Get(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	details, err := h.svc.Details(c.Request().Context(), sess.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, details)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=waiting patient_arrived in_progress paused completed"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	sess, err = h.svc.SetStatus(c.Request().Context(), sess.ID, req.Status)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Finish(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req FinishRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	sess, err = h.svc.Finish(c.Request().Context(), sess.ID, &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":      "Consultation completed successfully",
		"completed_at": sess.EndedAt,
		"consultation": sess,
	})
}

func (h *Handler) ListMessages(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	msgs, err := h.svc.ListMessages(c.Request().Context(), sess.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) SendMessage(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.SendMessage(ctx, sess.ID, senderType(ctx), auth.UserIDFromContext(ctx), req.Content, req.ContentType)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func senderType(ctx context.Context) string {
	switch auth.ActorType(ctx) {
	case auth.RoleDoctor:
		return SenderDoctor
	case auth.RolePatient:
		return SenderPatient
	}
	return SenderSystem
}

func (h *Handler) UploadAttachment(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return apperr.HTTPError(apperr.Validation("INVALID_ATTACHMENT", "multipart field \"file\" is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return apperr.HTTPError(apperr.Internal("open upload", err))
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, attachment.MaxSize+1))
	if err != nil {
		return apperr.HTTPError(apperr.Internal("read upload", err))
	}

	ctx := c.Request().Context()
	m, err := h.svc.UploadAttachment(ctx, sess.ID, senderType(ctx), auth.UserIDFromContext(ctx),
		fh.Filename, fh.Header.Get(echo.HeaderContentType), data)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) DownloadAttachment(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	rc, meta, err := h.svc.OpenAttachment(c.Request().Context(), sess.ID, c.Param("messageId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	defer rc.Close()
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	c.Response().Header().Set("X-Content-SHA256", meta.Checksum)
	return c.Stream(http.StatusOK, meta.MimeType, rc)
}

func (h *Handler) GetNotes(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	notes, err := h.svc.GetNotes(c.Request().Context(), sess.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if notes == nil {
		return c.JSON(http.StatusOK, map[string]any{})
	}
	return c.JSON(http.StatusOK, notes)
}

func (h *Handler) UpdateNotes(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req NotesUpdate
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	notes, err := h.svc.UpdateNotes(c.Request().Context(), sess.ID, &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, notes)
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req PrescriptionRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	rx, err := h.svc.CreatePrescription(c.Request().Context(), sess.ID, &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rx)
}

func (h *Handler) RequestAnalysis(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req AnalysisRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.svc.RequestAnalysis(c.Request().Context(), sess.ID, &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// prescription loads the :id prescription for one of its parties.
func (h *Handler) prescription(c echo.Context) (*Prescription, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, apperr.HTTPError(apperr.Validation("INVALID_ID", "invalid prescription id"))
	}
	rx, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	if !participant(c.Request().Context(), rx.DoctorID, rx.PatientID) {
		return nil, apperr.HTTPError(apperr.NotFound("prescription not found"))
	}
	return rx, nil
}

func (h *Handler) GetPrescription(c echo.Context) error {
	rx, err := h.prescription(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rx)
}

func (h *Handler) PrescriptionPDF(c echo.Context) error {
	rx, err := h.prescription(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.RenderPrescriptionPDF(c.Request().Context(), rx.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=\"prescription-%s.pdf\"", rx.ID))
	return c.Blob(http.StatusOK, "application/pdf", doc)
}

func (h *Handler) SupersedePrescription(c echo.Context) error {
	rx, err := h.prescription(c)
	if err != nil {
		return err
	}
	var req PrescriptionRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	next, err := h.svc.SupersedePrescription(c.Request().Context(), rx.ID, &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, next)
}

func (h *Handler) ListPrescriptionsByPatient(c echo.Context) error {
	items, err := h.svc.ListPrescriptionsByPatient(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"prescriptions": items})
}
