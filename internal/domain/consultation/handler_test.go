package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/domain/appointment"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/validation"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(env.svc), env, e
}

func asUser(req *http.Request, userID string, roles ...string) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), userID, "", roles))
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func statusOf(t *testing.T, rec *httptest.ResponseRecorder, err error) int {
	t.Helper()
	if err != nil {
		return httpStatus(t, err)
	}
	return rec.Code
}

func TestHandler_Start(t *testing.T) {
	h, env, e := newTestHandler()
	a := env.booked(appointment.ModeOffline, nil)

	req := asUser(httptest.NewRequest(http.MethodPost, "/", nil), "doc-1", auth.RoleDoctor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("appointmentId")
	c.SetParamValues(a.ID.String())

	if err := h.Start(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sess Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Status != StatusInProgress || sess.AppointmentID != a.ID {
		t.Errorf("unexpected session %+v", sess)
	}
}

func TestHandler_Start_BookedDoctorOnly(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		roles  []string
		status int
	}{
		{"booked doctor", "doc-1", []string{auth.RoleDoctor}, http.StatusOK},
		{"admin", "root", []string{auth.RoleAdmin}, http.StatusOK},
		{"other doctor", "doc-2", []string{auth.RoleDoctor}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, env, e := newTestHandler()
			a := env.booked(appointment.ModeOffline, nil)

			req := asUser(httptest.NewRequest(http.MethodPost, "/", nil), tt.user, tt.roles...)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("appointmentId")
			c.SetParamValues(a.ID.String())

			err := h.Start(c)
			if got := statusOf(t, rec, err); got != tt.status {
				t.Errorf("expected %d, got %d", tt.status, got)
			}
			if tt.status == http.StatusNotFound {
				if n := len(env.sessions.items); n != 0 {
					t.Errorf("expected no session created, got %d", n)
				}
			}
		})
	}
}

func TestHandler_Start_MeetLinkMissing(t *testing.T) {
	h, env, e := newTestHandler()
	a := env.booked(appointment.ModeOnline, nil)

	req := asUser(httptest.NewRequest(http.MethodPost, "/", nil), "doc-1", auth.RoleDoctor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("appointmentId")
	c.SetParamValues(a.ID.String())

	err := h.Start(c)
	if err == nil {
		t.Fatal("expected conflict")
	}
	if code := httpStatus(t, err); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_Get_ParticipantsOnly(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	tests := []struct {
		name   string
		user   string
		roles  []string
		status int
	}{
		{"patient", "patient-1", []string{auth.RolePatient}, http.StatusOK},
		{"doctor", "doc-1", []string{auth.RoleDoctor}, http.StatusOK},
		{"admin", "root", []string{auth.RoleAdmin}, http.StatusOK},
		{"other doctor", "doc-2", []string{auth.RoleDoctor}, http.StatusNotFound},
		{"other patient", "patient-2", []string{auth.RolePatient}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := asUser(httptest.NewRequest(http.MethodGet, "/", nil), tt.user, tt.roles...)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(sess.ID)

			if code := statusOf(t, rec, h.Get(c)); code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, code)
			}
		})
	}
}

func TestHandler_SendAndListMessages(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"hello doctor"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asUser(req, "patient-1", auth.RolePatient)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	if err := h.SendMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var sent MessageView
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sent.SenderType != SenderPatient || sent.SenderID != "patient-1" {
		t.Errorf("expected caller as sender, got %s/%s", sent.SenderType, sent.SenderID)
	}

	req = asUser(httptest.NewRequest(http.MethodGet, "/", nil), "doc-1", auth.RoleDoctor)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)
	if err := h.ListMessages(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Messages []MessageView `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Content != "hello doctor" {
		t.Errorf("unexpected messages %+v", body.Messages)
	}
}

func TestHandler_SendMessage_Empty(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":""}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asUser(req, "patient-1", auth.RolePatient)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	err := h.SendMessage(c)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func multipartUpload(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandler_UploadAndDownloadAttachment(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	body, ct := multipartUpload(t, "scan.png", "image/png", pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, ct)
	req = asUser(req, "patient-1", auth.RolePatient)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	if err := h.UploadAttachment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m MessageView
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Attachment == nil || m.Attachment.MimeType != "image/png" {
		t.Fatalf("unexpected attachment %+v", m.Attachment)
	}

	req = asUser(httptest.NewRequest(http.MethodGet, "/", nil), "doc-1", auth.RoleDoctor)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id", "messageId")
	c.SetParamValues(sess.ID, m.ID)
	if err := h.DownloadAttachment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Error("downloaded bytes differ")
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "image/png" {
		t.Errorf("expected image/png, got %s", got)
	}
}

func TestHandler_UploadAttachment_Mismatch(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	body, ct := multipartUpload(t, "report.pdf", "application/pdf", pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, ct)
	req = asUser(req, "patient-1", auth.RolePatient)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	err := h.UploadAttachment(c)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Finish(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"final_diagnosis":"Flu","treatment_summary":"Rest"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asUser(req, "doc-1", auth.RoleDoctor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	if err := h.Finish(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "Consultation completed successfully") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_UpdateNotes(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"observations":"rash on forearm","vital_signs":{"spo2":97}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asUser(req, "doc-1", auth.RoleDoctor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	if err := h.UpdateNotes(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n Notes
	if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Observations != "rash on forearm" || n.VitalSigns == nil || *n.VitalSigns.SpO2 != 97 {
		t.Errorf("unexpected notes %+v", n)
	}
}

func TestHandler_Prescriptions(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	body := `{"medications":[{"name":"Cetirizine","dosage":"10mg","frequency":"OD","duration_value":7,"duration_unit":"days"}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asUser(req, "doc-1", auth.RoleDoctor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	if err := h.CreatePrescription(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rx Prescription
	if err := json.Unmarshal(rec.Body.Bytes(), &rx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rx.SignatureValid {
		t.Error("expected a valid signature")
	}

	tests := []struct {
		name   string
		user   string
		roles  []string
		status int
	}{
		{"patient", "patient-1", []string{auth.RolePatient}, http.StatusOK},
		{"other patient", "patient-2", []string{auth.RolePatient}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := asUser(httptest.NewRequest(http.MethodGet, "/", nil), tt.user, tt.roles...)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(rx.ID.String())

			if code := statusOf(t, rec, h.GetPrescription(c)); code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, code)
			}
		})
	}

	req = asUser(httptest.NewRequest(http.MethodGet, "/", nil), "patient-1", auth.RolePatient)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rx.ID.String())
	if err := h.PrescriptionPDF(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Error("expected a PDF body")
	}
}

func TestHandler_SupersedePrescription_Twice(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()
	rx, err := env.svc.CreatePrescription(context.Background(), sess.ID, testPrescription())
	if err != nil {
		t.Fatal(err)
	}

	body := `{"medications":[{"name":"Paracetamol","dosage":"650mg","frequency":"TID","duration_value":3,"duration_unit":"days"}]}`
	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = asUser(req, "doc-1", auth.RoleDoctor)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(rx.ID.String())

		if code := statusOf(t, rec, h.SupersedePrescription(c)); code != want {
			t.Errorf("attempt %d: expected %d, got %d", i+1, want, code)
		}
	}
}

func TestHandler_RequestAnalysis_Unavailable(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.started()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"analysis_type":"quick"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asUser(req, "doc-1", auth.RoleDoctor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	err := h.RequestAnalysis(c)
	if err == nil {
		t.Fatal("expected conflict")
	}
	if code := httpStatus(t, err); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}
