package appointment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Doctor availability as shown in a queue position.
const (
	DoctorAvailable   = "available"
	DoctorUnavailable = "unavailable"
)

// OutcomeReporter receives appointment outcomes (completed, no_show,
// late_arrival) for the patient's reputation.
type OutcomeReporter interface {
	Report(ctx context.Context, patientID, outcome string) error
}

// AvailabilityChecker returns the unavailability window covering now, or nil.
type AvailabilityChecker interface {
	UnavailableWindow(ctx context.Context, doctorID string, now time.Time) (*DoctorAvailability, error)
}

// SessionLookup returns the consultation session of an appointment, or nil
// when none has been started.
type SessionLookup interface {
	SessionForAppointment(ctx context.Context, appointmentID uuid.UUID) (*SessionSummary, error)
}

// Ledger hands out per-doctor, per-day queue tokens and answers position
// queries against them.
type Ledger struct {
	repo         Repository
	slotMinutes  int
	availability AvailabilityChecker
	sessions     SessionLookup
	outcomes     OutcomeReporter
	logger       zerolog.Logger
	now          func() time.Time
}

// NewLedger builds a ledger. availability, sessions and outcomes may be nil.
func NewLedger(repo Repository, slotMinutes int, availability AvailabilityChecker, sessions SessionLookup, outcomes OutcomeReporter, logger zerolog.Logger) *Ledger {
	if slotMinutes <= 0 {
		slotMinutes = DefaultDurationMins
	}
	return &Ledger{
		repo:         repo,
		slotMinutes:  slotMinutes,
		availability: availability,
		sessions:     sessions,
		outcomes:     outcomes,
		logger:       logger.With().Str("component", "queue").Logger(),
		now:          time.Now,
	}
}

// SlotMinutes is the per-patient estimate used for waits.
func (l *Ledger) SlotMinutes() int { return l.slotMinutes }

// Assign returns the next token for (doctor, date). Callers hold the day lock
// from Repository.WithDayLock. The token is one past the day's booking count;
// after a reassignment has pushed the maximum beyond the count, it is one past
// the maximum so it cannot collide.
func (l *Ledger) Assign(ctx context.Context, doctorID, date string) (int, error) {
	count, err := l.repo.CountForDay(ctx, doctorID, date)
	if err != nil {
		return 0, fmt.Errorf("count day appointments: %w", err)
	}
	maxToken, err := l.repo.MaxTokenForDay(ctx, doctorID, date)
	if err != nil {
		return 0, fmt.Errorf("max day token: %w", err)
	}
	return max(count, maxToken) + 1, nil
}

// Position reports where an appointment stands in its doctor's queue.
func (l *Ledger) Position(ctx context.Context, appointmentID uuid.UUID) (*QueuePosition, error) {
	a, err := l.repo.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	ahead, err := l.repo.CountAhead(ctx, a.DoctorID, a.QueueDate, a.QueueNumber)
	if err != nil {
		return nil, fmt.Errorf("count ahead: %w", err)
	}
	serving, err := l.repo.CurrentServing(ctx, a.DoctorID, a.QueueDate)
	if err != nil {
		return nil, fmt.Errorf("current serving: %w", err)
	}

	pos := &QueuePosition{
		AppointmentID:        a.ID,
		PatientID:            a.PatientID,
		QueueNumber:          a.QueueNumber,
		QueueDate:            a.QueueDate,
		Status:               a.Status,
		CurrentServing:       serving,
		PatientsAhead:        ahead,
		EstimatedWaitMinutes: ahead * l.slotMinutes,
		DoctorStatus:         DoctorAvailable,
	}
	if a.MeetLink != nil {
		pos.MeetLink = *a.MeetLink
	}

	if l.availability != nil {
		window, err := l.availability.UnavailableWindow(ctx, a.DoctorID, l.now())
		if err != nil {
			return nil, fmt.Errorf("doctor availability: %w", err)
		}
		if window != nil {
			until := window.Until
			pos.DoctorStatus = DoctorUnavailable
			pos.UnavailableUntil = &until
			pos.UnavailabilityReason = window.Reason
		}
	}

	if l.sessions != nil {
		s, err := l.sessions.SessionForAppointment(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("consultation lookup: %w", err)
		}
		if s != nil {
			pos.ConsultationID = s.ID
			pos.ConsultationStatus = s.Status
			if s.MeetLink != "" {
				pos.MeetLink = s.MeetLink
			}
		}
	}
	return pos, nil
}

// ReassignToBack moves a late patient behind everyone booked for the day and
// returns the new token.
func (l *Ledger) ReassignToBack(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	a, err := l.repo.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	err = l.repo.WithDayLock(ctx, a.DoctorID, a.QueueDate, func(ctx context.Context) error {
		current, err := l.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		maxToken, err := l.repo.MaxTokenForDay(ctx, current.DoctorID, current.QueueDate)
		if err != nil {
			return fmt.Errorf("max day token: %w", err)
		}
		note := fmt.Sprintf("Reassigned from queue #%d due to late arrival", current.QueueNumber)
		current.QueueNumber = maxToken + 1
		current.Notes = &note
		if err := l.repo.Update(ctx, current); err != nil {
			return err
		}
		a = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if l.outcomes != nil {
		if err := l.outcomes.Report(ctx, a.PatientID, "late_arrival"); err != nil {
			l.logger.Warn().Err(err).Str("patient_id", a.PatientID).Msg("late arrival not recorded")
		}
	}
	return a, nil
}

// DoctorQueue lists the live queue for a doctor on date: waiting and
// in-progress appointments in token order.
func (l *Ledger) DoctorQueue(ctx context.Context, doctorID, date string) (*DoctorQueue, error) {
	items, err := l.repo.ListByDoctorDate(ctx, doctorID, date, StatusPending, StatusConfirmed, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].QueueNumber < items[j].QueueNumber })

	q := &DoctorQueue{DoctorID: doctorID, Date: date, Queue: items}
	if q.Queue == nil {
		q.Queue = []*Appointment{}
	}
	for _, a := range items {
		if a.Status == StatusInProgress {
			if q.Current == nil {
				q.Current = a
				q.CurrentToken = a.QueueNumber
			}
			continue
		}
		q.TotalWaiting++
	}
	return q, nil
}

// DaySummary lists every appointment of the day with counts by outcome.
func (l *Ledger) DaySummary(ctx context.Context, doctorID, date string) (*DaySummary, error) {
	items, err := l.repo.ListByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list day: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].QueueNumber < items[j].QueueNumber })

	s := &DaySummary{Date: date, Appointments: items}
	if s.Appointments == nil {
		s.Appointments = []*Appointment{}
	}
	s.Stats.Total = len(items)
	for _, a := range items {
		switch a.Status {
		case StatusCompleted:
			s.Stats.Completed++
		case StatusInProgress:
			s.Stats.InProgress++
		case StatusNoShow:
			s.Stats.NoShows++
		}
	}
	s.Stats.Remaining = s.Stats.Total - s.Stats.Completed - s.Stats.InProgress
	return s, nil
}
