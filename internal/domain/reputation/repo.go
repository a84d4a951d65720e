package reputation

import (
	"context"
	"time"
)

type Repository interface {
	Get(ctx context.Context, patientID string) (*Record, error)
	// Mutate loads the record (creating it when absent), applies fn and
	// saves the result as one atomic step.
	Mutate(ctx context.Context, patientID string, fn func(r *Record) error) (*Record, error)
	// LiftExpired clears suspensions whose end is at or before now.
	LiftExpired(ctx context.Context, now time.Time) (int, error)
}
