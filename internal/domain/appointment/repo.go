package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	ListByPatient(ctx context.Context, patientID, status string, limit, offset int) ([]*Appointment, int, error)
	// ListByDoctorDate returns the day's appointments ordered by queue number.
	// With no statuses every appointment is returned.
	ListByDoctorDate(ctx context.Context, doctorID, date string, statuses ...string) ([]*Appointment, error)

	CountForDay(ctx context.Context, doctorID, date string) (int, error)
	MaxTokenForDay(ctx context.Context, doctorID, date string) (int, error)
	// CountAhead counts waiting appointments with a lower queue number.
	CountAhead(ctx context.Context, doctorID, date string, queueNumber int) (int, error)
	// CurrentServing is the queue number of the in_progress appointment, or 0.
	CurrentServing(ctx context.Context, doctorID, date string) (int, error)
	// BookedTimes lists scheduled instants of live appointments on date.
	BookedTimes(ctx context.Context, doctorID, date string) ([]time.Time, error)

	// WithDayLock runs fn while holding the (doctor, date) queue lock. Token
	// assignment and reassignment for one day never interleave.
	WithDayLock(ctx context.Context, doctorID, date string, fn func(ctx context.Context) error) error
}
