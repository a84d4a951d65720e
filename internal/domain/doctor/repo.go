package doctor

import (
	"context"
	"time"
)

type Repository interface {
	Get(ctx context.Context, doctorID string) (*Settings, error)
	Upsert(ctx context.Context, s *Settings) error
}

// BookingLookup lists the instants already booked with a doctor on a date.
type BookingLookup interface {
	BookedTimes(ctx context.Context, doctorID, date string) ([]time.Time, error)
}
