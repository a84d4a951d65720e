package unavailability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, u *Unavailability) error
	// Current returns the latest window containing now.
	Current(ctx context.Context, doctorID string, now time.Time) (*Unavailability, error)
	ListPendingNotification(ctx context.Context, limit int) ([]*Unavailability, error)
	MarkNotified(ctx context.Context, id uuid.UUID) error
}
