// Package audit records who did what to which clinical resource. Writes are
// best-effort: a failed write is logged and never reaches the caller.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Actions written by the consultation engine.
const (
	ActionConsultationStarted  = "consultation_started"
	ActionConsultationFinished = "consultation_finished"
	ActionPrescriptionCreated  = "prescription_created"
	ActionPrescriptionReplaced = "prescription_superseded"
	ActionAttachmentUploaded   = "attachment_uploaded"
	ActionHTTPAccess           = "http_access"
)

// Entry is one row of the audit_log table.
type Entry struct {
	ID             uuid.UUID      `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	ActorType      string         `json:"actor_type"`
	ActorID        string         `json:"actor_id"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	AppointmentID  *uuid.UUID     `json:"appointment_id,omitempty"`
	ConsultationID string         `json:"consultation_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Store persists entries.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
}

// Recorder is what services depend on. Record never fails from the caller's
// point of view.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// PGStore writes to audit_log. It always uses the pool, never a transaction
// carried in ctx, so a failed insert cannot abort the caller's transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, e *Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}

	const query = `
		INSERT INTO audit_log (
			id, timestamp, actor_type, actor_id, action,
			resource_type, resource_id, appointment_id, consultation_id, details
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10)`

	_, err = s.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.ActorType, e.ActorID, e.Action,
		e.ResourceType, e.ResourceID, e.AppointmentID, e.ConsultationID, details,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Logger is the best-effort Recorder backed by a Store.
type Logger struct {
	store  Store
	logger zerolog.Logger
}

func NewLogger(store Store, logger zerolog.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

// Record fills in id and timestamp, then writes e. Failures are logged.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := l.store.Insert(ctx, &e); err != nil {
		l.logger.Error().Err(err).
			Str("action", e.Action).
			Str("resource_type", e.ResourceType).
			Str("resource_id", e.ResourceID).
			Msg("audit write failed")
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Entry) {}

// Nop returns a Recorder that discards entries.
func Nop() Recorder { return nopRecorder{} }
