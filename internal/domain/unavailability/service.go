package unavailability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/domain/appointment"
	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/notification"
	"github.com/telemed/telemed/internal/platform/websocket"
)

const dispatchBatch = 50

// Appointments is the slice of the appointment store this package reads.
type Appointments interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListByDoctorDate(ctx context.Context, doctorID, date string, statuses ...string) ([]*appointment.Appointment, error)
}

// Notifier sends a templated notice to a patient.
type Notifier interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

type Service struct {
	repo         Repository
	appointments Appointments
	doctors      appointment.DoctorPolicy
	notifier     Notifier
	events       appointment.Publisher
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService wires the coordinator. notifier and events may be nil.
func NewService(repo Repository, appointments Appointments, doctors appointment.DoctorPolicy, notifier Notifier, events appointment.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		appointments: appointments,
		doctors:      doctors,
		notifier:     notifier,
		events:       events,
		logger:       logger.With().Str("component", "unavailability").Logger(),
		now:          time.Now,
	}
}

// Declare records a downtime window and the appointments waiting in today's
// queue at this moment. It does not move or cancel them.
func (s *Service) Declare(ctx context.Context, doctorID, doctorName string, req *DeclareRequest) (*Unavailability, error) {
	if doctorID == "" {
		return nil, apperr.Validation("INVALID_REQUEST", "doctor_id is required")
	}
	if !validReasons[req.Reason] {
		return nil, apperr.Validation("INVALID_REASON", fmt.Sprintf("invalid reason: %s", req.Reason))
	}

	now := s.now().UTC()
	start := now
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	var end time.Time
	switch {
	case req.EndTime != nil:
		end = req.EndTime.UTC()
	case req.DurationMins > 0:
		end = start.Add(time.Duration(req.DurationMins) * time.Minute)
	default:
		return nil, apperr.Validation("INVALID_WINDOW", "end_time or duration_minutes is required")
	}
	if !end.After(start) {
		return nil, apperr.Validation("INVALID_WINDOW", "end_time must be after start_time")
	}

	policy, err := s.doctors.BookingPolicy(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if policy.Timezone != "" {
		if l, err := time.LoadLocation(policy.Timezone); err == nil {
			loc = l
		}
	}
	today := now.In(loc).Format(appointment.DateLayout)
	waiting, err := s.appointments.ListByDoctorDate(ctx, doctorID, today, appointment.StatusPending, appointment.StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("snapshot affected appointments: %w", err)
	}

	u := &Unavailability{
		ID:                     uuid.New(),
		DoctorID:               doctorID,
		DoctorName:             doctorName,
		StartTime:              start,
		EndTime:                end,
		Reason:                 req.Reason,
		NotifyPatients:         true,
		AffectedAppointmentIDs: make([]uuid.UUID, 0, len(waiting)),
	}
	if req.NotifyPatients != nil {
		u.NotifyPatients = *req.NotifyPatients
	}
	if req.CustomMessage != "" {
		msg := req.CustomMessage
		u.CustomMessage = &msg
	}
	for _, a := range waiting {
		u.AffectedAppointmentIDs = append(u.AffectedAppointmentIDs, a.ID)
	}

	if err := s.repo.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create unavailability: %w", err)
	}
	s.publish(ctx, u)
	return u, nil
}

// Current returns the window covering now, or nil.
func (s *Service) Current(ctx context.Context, doctorID string) (*Unavailability, error) {
	u, err := s.repo.Current(ctx, doctorID, s.now().UTC())
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UnavailableWindow is what queue positions consult for doctor status.
func (s *Service) UnavailableWindow(ctx context.Context, doctorID string, now time.Time) (*appointment.DoctorAvailability, error) {
	u, err := s.repo.Current(ctx, doctorID, now.UTC())
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &appointment.DoctorAvailability{Until: u.EndTime, Reason: u.Reason}, nil
}

// DispatchNotifications sends one notice per affected appointment for every
// window still awaiting notification, then marks the window sent. Failed
// sends stay in the notification log for retry. It returns the number of
// notices handed to the notifier.
func (s *Service) DispatchNotifications(ctx context.Context) (int, error) {
	if s.notifier == nil {
		return 0, nil
	}
	windows, err := s.repo.ListPendingNotification(ctx, dispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending unavailability: %w", err)
	}

	sent := 0
	for _, u := range windows {
		name := u.DoctorName
		if name == "" {
			name = u.DoctorID
		}
		message := ""
		if u.CustomMessage != nil {
			message = *u.CustomMessage
		}
		for _, id := range u.AffectedAppointmentIDs {
			a, err := s.appointments.GetByID(ctx, id)
			if err != nil {
				s.logger.Warn().Err(err).Str("appointment_id", id.String()).Msg("affected appointment not loaded")
				continue
			}
			_, err = s.notifier.SendFromTemplate(ctx, notification.TemplateDoctorUnavailable, map[string]string{
				"doctor_name":  name,
				"until":        u.EndTime.Format(time.RFC3339),
				"reason":       u.Reason,
				"message":      message,
				"queue_number": strconv.Itoa(a.QueueNumber),
			}, a.PatientID)
			if err != nil {
				s.logger.Warn().Err(err).Str("patient_id", a.PatientID).Msg("unavailability notice failed")
			}
			sent++
		}
		if err := s.repo.MarkNotified(ctx, u.ID); err != nil {
			return sent, fmt.Errorf("mark notified %s: %w", u.ID, err)
		}
	}
	return sent, nil
}

func (s *Service) publish(ctx context.Context, u *Unavailability) {
	if s.events == nil {
		return
	}
	err := s.events.PublishData(ctx, websocket.QueueTopic(u.DoctorID), websocket.EventUnavailability, "unavailability", u.ID.String(),
		map[string]any{
			"doctor_id":      u.DoctorID,
			"start_time":     u.StartTime,
			"end_time":       u.EndTime,
			"reason":         u.Reason,
			"affected_count": len(u.AffectedAppointmentIDs),
		})
	if err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", u.DoctorID).Msg("unavailability not published")
	}
}
