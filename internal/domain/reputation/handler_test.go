package reputation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/validation"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _ := newTestService()
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(svc), svc, e
}

func TestHandler_Get(t *testing.T) {
	h, svc, e := newTestHandler()
	svc.Report(context.Background(), "p1", OutcomeNoShow)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("p1")

	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ReputationScore != 40 || got.NoShowCount != 1 {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestHandler_SetSuspension(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"suspended":true,"until":"2099-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("p1")

	if err := h.SetSuspension(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got Record
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.IsSuspended || got.SuspensionUntil == nil {
		t.Errorf("expected suspended record, got %+v", got)
	}
}

func TestHandler_SetSuspension_BadBody(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"suspended":"yes"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("p1")

	if err := h.SetSuspension(c); err == nil {
		t.Error("expected error for malformed body")
	}
}
