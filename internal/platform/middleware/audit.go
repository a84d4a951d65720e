package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/auth"
)

// AuditEntry is one API access as seen by the audit middleware.
type AuditEntry struct {
	UserID         string
	UserRoles      []string
	ResourceType   string
	ResourceID     string
	PatientID      string
	ConsultationID string
	Action         string // read, create, update, delete
	IPAddress      string
	UserAgent      string
	Path           string
	Method         string
	Timestamp      time.Time
	RequestID      string
	StatusCode     int
}

// AuditRecorder persists access entries for the audit middleware.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit records every /api/v1/ request after the handler has run, with the
// caller, the resource touched and the resulting status. It always emits a
// "clinical_access" log line; recorder failures are logged and ignored.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			segments := apiSegments(path)
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   status,
				UserID:       auth.UserIDFromContext(req.Context()),
				UserRoles:    auth.RolesFromContext(req.Context()),
				Action:       httpMethodToAction(req.Method),
				ResourceType: resourceType(segments),
				ResourceID:   resourceID(segments),
				PatientID:    extractPatientID(c, segments),
			}
			if entry.ResourceType == "consultations" && strings.HasPrefix(entry.ResourceID, "cons_") {
				entry.ConsultationID = entry.ResourceID
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("clinical_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func apiSegments(path string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// resourceType is the first path segment: /api/v1/appointments/123 -> appointments.
func resourceType(segments []string) string {
	if len(segments) == 0 {
		return "unknown"
	}
	return segments[0]
}

// pathKeywords are second segments that name a sub-collection rather than a
// resource id.
var pathKeywords = map[string]bool{
	"patient": true, "doctor": true, "start": true, "position": true,
}

// resourceID returns the id in /api/v1/<type>/<id>/..., or the id following
// a keyword as in /api/v1/consultations/start/<appointmentId>.
func resourceID(segments []string) string {
	if len(segments) < 2 {
		return ""
	}
	if pathKeywords[segments[1]] {
		if len(segments) > 2 {
			return segments[2]
		}
		return ""
	}
	return segments[1]
}

// extractPatientID looks at the :patientId route param, a /patient/<id>
// path pair, the reputation resource and finally ?patient_id=.
func extractPatientID(c echo.Context, segments []string) string {
	if id := c.Param("patientId"); id != "" {
		return id
	}
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "patient" {
			return segments[i+1]
		}
	}
	if len(segments) > 1 && segments[0] == "reputation" {
		return segments[1]
	}
	return c.QueryParam("patient_id")
}
