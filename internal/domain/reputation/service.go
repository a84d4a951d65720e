package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/apperr"
)

var validOutcomes = map[string]bool{
	OutcomeCompleted: true, OutcomeNoShow: true, OutcomeLateArrival: true,
}

// Service tracks patient attendance. It never suspends anyone on its own;
// suspension is set by an administrator and lifted by the sweep job.
type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "reputation").Logger(),
		now:    time.Now,
	}
}

// Report records one appointment outcome for patientID.
func (s *Service) Report(ctx context.Context, patientID, outcome string) error {
	if patientID == "" {
		return apperr.Validation("INVALID_REQUEST", "patient_id is required")
	}
	if !validOutcomes[outcome] {
		return apperr.Validation("INVALID_OUTCOME", fmt.Sprintf("invalid outcome: %s", outcome))
	}
	rec, err := s.repo.Mutate(ctx, patientID, func(r *Record) error {
		r.Apply(outcome)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug().Str("patient_id", patientID).Str("outcome", outcome).Int("score", rec.ReputationScore).Msg("reputation updated")
	return nil
}

// Get returns the patient's record, or a fresh one if the patient has no
// history yet.
func (s *Service) Get(ctx context.Context, patientID string) (*Record, error) {
	rec, err := s.repo.Get(ctx, patientID)
	if apperr.IsNotFound(err) {
		return NewRecord(patientID), nil
	}
	return rec, err
}

// SetSuspension suspends the patient until the given time, or lifts the
// suspension when suspended is false.
func (s *Service) SetSuspension(ctx context.Context, patientID string, suspended bool, until *time.Time) (*Record, error) {
	if suspended && until != nil && !until.After(s.now()) {
		return nil, apperr.Validation("INVALID_SUSPENSION", "until must be in the future")
	}
	return s.repo.Mutate(ctx, patientID, func(r *Record) error {
		r.IsSuspended = suspended
		r.SuspensionUntil = nil
		if suspended && until != nil {
			u := until.UTC()
			r.SuspensionUntil = &u
		}
		return nil
	})
}

// LiftExpiredSuspensions is run by the scheduler.
func (s *Service) LiftExpiredSuspensions(ctx context.Context) error {
	n, err := s.repo.LiftExpired(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("expired suspensions lifted")
	}
	return nil
}
