package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/websocket"
)

var validModes = map[string]bool{
	ModeOnline: true, ModeOffline: true,
}

// DoctorPolicy reads a doctor's booking settings.
type DoctorPolicy interface {
	BookingPolicy(ctx context.Context, doctorID string) (*BookingPolicy, error)
}

// Publisher pushes realtime events to subscribers of a topic.
type Publisher interface {
	PublishData(ctx context.Context, topic, eventType, resourceType, resourceID string, data any) error
}

type Service struct {
	repo     Repository
	ledger   *Ledger
	doctors  DoctorPolicy
	outcomes OutcomeReporter
	events   Publisher
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the appointment service. outcomes and events may be nil.
func NewService(repo Repository, ledger *Ledger, doctors DoctorPolicy, outcomes OutcomeReporter, events Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		ledger:   ledger,
		doctors:  doctors,
		outcomes: outcomes,
		events:   events,
		logger:   logger.With().Str("component", "appointment").Logger(),
		now:      time.Now,
	}
}

func doctorLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Today is the current date in the doctor's timezone.
func (s *Service) Today(ctx context.Context, doctorID string) (string, error) {
	p, err := s.doctors.BookingPolicy(ctx, doctorID)
	if err != nil {
		return "", err
	}
	return s.now().In(doctorLocation(p.Timezone)).Format(DateLayout), nil
}

// Book creates an appointment and assigns its queue token. The token is taken
// under the day lock so concurrent bookings never share a number.
func (s *Service) Book(ctx context.Context, req *BookRequest) (*Appointment, error) {
	if req.PatientID == "" {
		return nil, apperr.Validation("INVALID_REQUEST", "patient_id is required")
	}
	if req.DoctorID == "" {
		return nil, apperr.Validation("INVALID_REQUEST", "doctor_id is required")
	}
	if !validModes[req.Mode] {
		return nil, apperr.Validation("INVALID_MODE", fmt.Sprintf("invalid mode: %s", req.Mode))
	}
	if req.ScheduledTime.IsZero() {
		return nil, apperr.Validation("INVALID_REQUEST", "scheduled_time is required")
	}

	policy, err := s.doctors.BookingPolicy(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	if req.Mode == ModeOnline && !policy.AcceptsOnline {
		return nil, apperr.Validation("MODE_NOT_ACCEPTED", "doctor does not accept online appointments")
	}
	if req.Mode == ModeOffline && !policy.AcceptsOffline {
		return nil, apperr.Validation("MODE_NOT_ACCEPTED", "doctor does not accept offline appointments")
	}

	loc := doctorLocation(policy.Timezone)
	date := req.ScheduledTime.In(loc).Format(DateLayout)
	if !policy.AcceptingToday && date == s.now().In(loc).Format(DateLayout) {
		return nil, apperr.Validation("NOT_ACCEPTING", "doctor is not accepting appointments today")
	}

	a := &Appointment{
		ID:                    uuid.New(),
		PatientID:             req.PatientID,
		DoctorID:              req.DoctorID,
		Mode:                  req.Mode,
		Status:                StatusPending,
		ScheduledTime:         req.ScheduledTime.UTC(),
		QueueDate:             date,
		MeetLink:              req.MeetLink,
		PatientTimezone:       req.PatientTimezone,
		EstimatedDurationMins: req.EstimatedDurationMins,
		PatientName:           req.PatientName,
		PatientAge:            req.PatientAge,
		PatientGender:         req.PatientGender,
		ChiefComplaint:        req.ChiefComplaint,
	}
	if a.PatientTimezone == "" {
		a.PatientTimezone = "UTC"
	}
	if a.EstimatedDurationMins == 0 {
		a.EstimatedDurationMins = policy.ConsultationDurationMin
	}
	if a.EstimatedDurationMins == 0 {
		a.EstimatedDurationMins = DefaultDurationMins
	}
	if req.Mode == ModeOffline && policy.HospitalAddress != "" {
		addr := policy.HospitalAddress
		a.HospitalAddress = &addr
	}

	err = s.repo.WithDayLock(ctx, a.DoctorID, a.QueueDate, func(ctx context.Context) error {
		if policy.MaxPatientsPerDay > 0 {
			booked, err := s.repo.ListByDoctorDate(ctx, a.DoctorID, a.QueueDate,
				StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted)
			if err != nil {
				return fmt.Errorf("count booked: %w", err)
			}
			if len(booked) >= policy.MaxPatientsPerDay {
				return apperr.Conflict("QUEUE_FULL", fmt.Sprintf("doctor is fully booked on %s", a.QueueDate))
			}
		}
		token, err := s.ledger.Assign(ctx, a.DoctorID, a.QueueDate)
		if err != nil {
			return err
		}
		a.QueueNumber = token
		return s.repo.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, a)
	return a, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID, status string, limit, offset int) ([]*Appointment, int, error) {
	if status != "" && !validStatuses[status] {
		return nil, 0, apperr.Validation("INVALID_STATUS", fmt.Sprintf("invalid status: %s", status))
	}
	return s.repo.ListByPatient(ctx, patientID, status, limit, offset)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCompleted || a.Status == StatusCancelled {
		return nil, apperr.Conflict("CANNOT_CANCEL", fmt.Sprintf("cannot cancel a %s appointment", a.Status))
	}
	a.Status = StatusCancelled
	if reason != "" {
		a.CancelledReason = &reason
	}
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	s.publish(ctx, a)
	return a, nil
}

// UpdateStatus sets any known status. Transitions are not guarded; the
// doctor's client drives the lifecycle.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*Appointment, error) {
	if !validStatuses[status] {
		return nil, apperr.Validation("INVALID_STATUS", fmt.Sprintf("invalid status: %s", status))
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	a.Status = status
	switch status {
	case StatusInProgress:
		a.ConsultationStartedAt = &now
	case StatusCompleted:
		a.ConsultationEndedAt = &now
	}
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}

	if status == StatusNoShow {
		s.report(ctx, a.PatientID, StatusNoShow)
	}
	s.publish(ctx, a)
	return a, nil
}

// MarkInProgress is called when a consultation starts.
func (s *Service) MarkInProgress(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.UpdateStatus(ctx, id, StatusInProgress)
}

// MarkCompleted is called when a consultation finishes. summary, when set,
// replaces the appointment notes.
func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID, summary string) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	alreadyCompleted := a.Status == StatusCompleted
	now := s.now().UTC()
	a.Status = StatusCompleted
	a.ConsultationEndedAt = &now
	if summary != "" {
		a.Notes = &summary
	}
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	// A repeated finish must not count the visit twice.
	if !alreadyCompleted {
		s.report(ctx, a.PatientID, StatusCompleted)
	}
	s.publish(ctx, a)
	return a, nil
}

// SetMeetLink stores a repaired meeting link on the appointment.
func (s *Service) SetMeetLink(ctx context.Context, id uuid.UUID, link string) error {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	a.MeetLink = &link
	return s.repo.Update(ctx, a)
}

func (s *Service) MarkPatientJoined(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	a.PatientJoinedAt = &now
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	s.publish(ctx, a)
	return a, nil
}

func (s *Service) Reassign(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.ledger.ReassignToBack(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, a)
	return a, nil
}

func (s *Service) Position(ctx context.Context, id uuid.UUID) (*QueuePosition, error) {
	return s.ledger.Position(ctx, id)
}

// DoctorQueue returns the live queue for date, or for today when date is empty.
func (s *Service) DoctorQueue(ctx context.Context, doctorID, date string) (*DoctorQueue, error) {
	date, err := s.resolveDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	return s.ledger.DoctorQueue(ctx, doctorID, date)
}

func (s *Service) DaySummary(ctx context.Context, doctorID, date string) (*DaySummary, error) {
	date, err := s.resolveDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	return s.ledger.DaySummary(ctx, doctorID, date)
}

func (s *Service) resolveDate(ctx context.Context, doctorID, date string) (string, error) {
	if date == "" {
		return s.Today(ctx, doctorID)
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return "", apperr.Validation("INVALID_DATE", "date must be YYYY-MM-DD")
	}
	return date, nil
}

func (s *Service) report(ctx context.Context, patientID, outcome string) {
	if s.outcomes == nil || patientID == "" {
		return
	}
	if err := s.outcomes.Report(ctx, patientID, outcome); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Str("outcome", outcome).Msg("reputation not updated")
	}
}

func (s *Service) publish(ctx context.Context, a *Appointment) {
	if s.events == nil {
		return
	}
	err := s.events.PublishData(ctx, websocket.QueueTopic(a.DoctorID), websocket.EventQueueUpdated, "appointment", a.ID.String(),
		map[string]any{
			"appointment_id": a.ID,
			"patient_id":     a.PatientID,
			"queue_number":   a.QueueNumber,
			"queue_date":     a.QueueDate,
			"status":         a.Status,
		})
	if err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", a.DoctorID).Msg("queue update not published")
	}
}
