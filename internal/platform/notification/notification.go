// Package notification delivers patient notices (doctor unavailable, token
// reassigned, prescription issued) over push, email and SMS channels, with
// template rendering, an in-memory delivery log and retry.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/auth"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Delivery statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Template ids used by the engine.
const (
	TemplateDoctorUnavailable  = "doctor-unavailable"
	TemplateTokenReassigned    = "token-reassigned"
	TemplatePrescriptionIssued = "prescription-issued"
)

// Notification is a single outbound notice. Recipient is a patient id for
// push, an address or phone number otherwise.
type Notification struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender delivers to a connected client, e.g. over the websocket hub.
type PushSender interface {
	Push(ctx context.Context, recipient, subject, body string) error
}

// LogSender writes every notice to the log. It stands in for email and SMS
// providers until one is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Int("body_len", len(body)).Msg("notification sent")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("channel", "sms").Str("to", to).Int("body_len", len(body)).Msg("notification sent")
	return nil
}

func (s *LogSender) Push(_ context.Context, recipient, subject, _ string) error {
	s.logger.Info().Str("channel", "push").Str("to", recipient).Str("subject", subject).Msg("notification sent")
	return nil
}

// Template is a reusable notice with {{key}} placeholders.
type Template struct {
	ID      string  `json:"id"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine holds templates and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine with the built-in templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TemplateDoctorUnavailable,
			Subject: "Dr. {{doctor_name}} is unavailable",
			Body:    "Your doctor is unavailable until {{until}} ({{reason}}). {{message}} Your queue token #{{queue_number}} is kept.",
			Channel: ChannelPush,
		},
		{
			ID:      TemplateTokenReassigned,
			Subject: "Your queue token changed",
			Body:    "You were moved from token #{{old_token}} to #{{new_token}} due to late arrival.",
			Channel: ChannelPush,
		},
		{
			ID:      TemplatePrescriptionIssued,
			Subject: "Your prescription is ready",
			Body:    "Your prescription from consultation {{consultation_id}} has been signed and is available to download.",
			Channel: ChannelPush,
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders with data. Unknown placeholders are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", templateID)
	}

	for k, v := range data {
		placeholder := "{{" + k + "}}"
		t.Subject = strings.ReplaceAll(t.Subject, placeholder, v)
		t.Body = strings.ReplaceAll(t.Body, placeholder, v)
	}
	return t, nil
}

// Manager sends notifications and keeps a delivery log for retry and stats.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	push      PushSender
	templates *TemplateEngine

	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewManager(email EmailSender, sms SMSSender, push PushSender, tpl *TemplateEngine) *Manager {
	return &Manager{
		email:         email,
		sms:           sms,
		push:          push,
		templates:     tpl,
		notifications: make(map[string]*Notification),
	}
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Channel {
	case ChannelEmail:
		return m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case ChannelSMS:
		return m.sms.SendSMS(ctx, n.Recipient, n.Body)
	case ChannelPush:
		return m.push.Push(ctx, n.Recipient, n.Subject, n.Body)
	default:
		return fmt.Errorf("unsupported notification channel: %s", n.Channel)
	}
}

// record applies the outcome of one attempt. Callers hold m.mu.
func record(n *Notification, err error) {
	n.Attempts++
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return
	}
	now := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &now
	n.Error = ""
}

// Send delivers n and stores it. The notification is stored even when
// delivery fails so it can be retried.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = StatusPending

	err := m.deliver(ctx, n)

	m.mu.Lock()
	record(n, err)
	m.notifications[n.ID] = n
	m.mu.Unlock()
	return err
}

// SendFromTemplate renders templateID and sends it on the template's channel.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	t, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		Channel:      t.Channel,
		Recipient:    recipient,
		Subject:      t.Subject,
		Body:         t.Body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	return n, m.Send(ctx, n)
}

func (m *Manager) Get(id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	cp := *n
	return &cp, nil
}

// ListByRecipient returns the newest notifications for recipient first.
func (m *Manager) ListByRecipient(recipient string, limit int) []*Notification {
	m.mu.RLock()
	var out []*Notification
	for _, n := range m.notifications {
		if n.Recipient == recipient {
			cp := *n
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.notifications[id]
	var snapshot Notification
	if ok {
		snapshot = *n
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification %q not found", id)
	}
	if snapshot.Status != StatusFailed {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, snapshot.Status)
	}

	err := m.deliver(ctx, &snapshot)

	m.mu.Lock()
	record(n, err)
	m.mu.Unlock()
	return err
}

// RetryFailed retries every failed notification and returns how many were
// delivered this time.
func (m *Manager) RetryFailed(ctx context.Context) int {
	m.mu.RLock()
	var ids []string
	for id, n := range m.notifications {
		if n.Status == StatusFailed {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		if m.Retry(ctx, id) == nil {
			delivered++
		}
	}
	return delivered
}

// Stats counts notifications by status.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}

// Handler exposes the delivery log over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)

	admin := g.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/notifications/stats", h.Stats)
	admin.POST("/notifications/:id/retry", h.Retry)
}

// List handles GET /notifications. Callers see their own notices; admins may
// pass ?recipient=.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	recipient := auth.UserIDFromContext(ctx)
	if r := c.QueryParam("recipient"); r != "" && r != recipient {
		if !auth.HasRole(ctx, auth.RoleAdmin) {
			return echo.NewHTTPError(http.StatusForbidden, "cannot list another recipient's notifications")
		}
		recipient = r
	}
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient is required")
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return c.JSON(http.StatusOK, h.manager.ListByRecipient(recipient, limit))
}

func (h *Handler) Retry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		if _, getErr := h.manager.Get(id); getErr != nil {
			return echo.NewHTTPError(http.StatusNotFound, getErr.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	n, _ := h.manager.Get(id)
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats())
}
