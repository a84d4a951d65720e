package consultation

import (
	"context"

	"github.com/google/uuid"
)

type SessionRepository interface {
	// Create fails with a CONFLICT error when the appointment already has a
	// session.
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error)
	Update(ctx context.Context, s *Session) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	// ListByConsultation returns messages oldest first.
	ListByConsultation(ctx context.Context, consultationID string) ([]*Message, error)
}

type NotesRepository interface {
	GetByConsultation(ctx context.Context, consultationID string) (*Notes, error)
	Upsert(ctx context.Context, n *Notes) error
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Prescription, error)
	// Supersede stores next and retires oldID in one transaction.
	Supersede(ctx context.Context, oldID uuid.UUID, next *Prescription) error
}
