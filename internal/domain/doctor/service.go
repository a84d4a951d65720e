package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/telemed/telemed/internal/domain/appointment"
	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/validation"
)

const (
	hhmm        = "15:04"
	slotDisplay = "03:04 PM"
)

// Service owns doctor booking settings and answers slot queries.
type Service struct {
	repo     Repository
	bookings BookingLookup
}

func NewService(repo Repository, bookings BookingLookup) *Service {
	return &Service{repo: repo, bookings: bookings}
}

// Get returns the stored settings, or the defaults when the doctor has never
// saved any.
func (s *Service) Get(ctx context.Context, doctorID string) (*Settings, error) {
	st, err := s.repo.Get(ctx, doctorID)
	if apperr.IsNotFound(err) {
		return Defaults(doctorID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get doctor settings: %w", err)
	}
	return st, nil
}

func validate(st *Settings) error {
	if st.CustomMeetLink != nil && *st.CustomMeetLink != "" && !validation.IsMeetLink(*st.CustomMeetLink) {
		return apperr.Validation("INVALID_MEET_LINK", "custom_meet_link must be a Google Meet link like https://meet.google.com/abc-defg-hij")
	}
	if _, err := time.LoadLocation(st.Timezone); err != nil {
		return apperr.Validation("INVALID_TIMEZONE", fmt.Sprintf("unknown timezone: %s", st.Timezone))
	}
	start, err := time.Parse(hhmm, st.WorkingHoursStart)
	if err != nil {
		return apperr.Validation("INVALID_HOURS", "working_hours_start must be HH:MM")
	}
	end, err := time.Parse(hhmm, st.WorkingHoursEnd)
	if err != nil {
		return apperr.Validation("INVALID_HOURS", "working_hours_end must be HH:MM")
	}
	if !end.After(start) {
		return apperr.Validation("INVALID_HOURS", "working_hours_end must be after working_hours_start")
	}
	if st.ConsultationDurationMins <= 0 {
		return apperr.Validation("INVALID_DURATION", "consultation_duration_mins must be positive")
	}
	for _, b := range st.BreakTimes {
		bs, err1 := time.Parse(hhmm, b.Start)
		be, err2 := time.Parse(hhmm, b.End)
		if err1 != nil || err2 != nil || !be.After(bs) {
			return apperr.Validation("INVALID_BREAK", fmt.Sprintf("invalid break %s-%s", b.Start, b.End))
		}
	}
	return nil
}

// Update replaces the doctor's settings.
func (s *Service) Update(ctx context.Context, st *Settings) (*Settings, error) {
	if st.DoctorID == "" {
		return nil, apperr.Validation("INVALID_REQUEST", "doctor_id is required")
	}
	if st.CustomMeetLink != nil && *st.CustomMeetLink == "" {
		st.CustomMeetLink = nil
	}
	if st.BreakTimes == nil {
		st.BreakTimes = []BreakTime{}
	}
	if err := validate(st); err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SetAccepting toggles whether the doctor takes bookings for today.
func (s *Service) SetAccepting(ctx context.Context, doctorID string, accepting bool) (*Settings, error) {
	st, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	st.AcceptingAppointmentsToday = accepting
	if err := s.repo.Upsert(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// MeetLink returns the doctor's reusable meeting link, or "" when none is set.
func (s *Service) MeetLink(ctx context.Context, doctorID string) (string, error) {
	st, err := s.Get(ctx, doctorID)
	if err != nil {
		return "", err
	}
	if st.CustomMeetLink == nil {
		return "", nil
	}
	return *st.CustomMeetLink, nil
}

// BookingPolicy is what the appointment service checks before booking.
func (s *Service) BookingPolicy(ctx context.Context, doctorID string) (*appointment.BookingPolicy, error) {
	st, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	p := &appointment.BookingPolicy{
		AcceptsOnline:           st.AcceptsOnline,
		AcceptsOffline:          st.AcceptsOffline,
		AcceptingToday:          st.AcceptingAppointmentsToday,
		MaxPatientsPerDay:       st.MaxPatientsPerDay,
		ConsultationDurationMin: st.ConsultationDurationMins,
		Timezone:                st.Timezone,
	}
	if st.HospitalAddress != nil {
		p.HospitalAddress = *st.HospitalAddress
	}
	return p, nil
}

// AvailableSlots walks the working day in consultation-sized steps and
// returns the start times not already booked and not inside a break.
func (s *Service) AvailableSlots(ctx context.Context, doctorID, date string) (*SlotList, error) {
	if _, err := time.Parse(appointment.DateLayout, date); err != nil {
		return nil, apperr.Validation("INVALID_DATE", "date must be YYYY-MM-DD")
	}
	st, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(st.Timezone)
	if err != nil {
		loc = time.UTC
	}
	duration := st.ConsultationDurationMins
	if duration <= 0 {
		duration = DefaultDurationMins
	}

	at := func(clock string) (time.Time, error) {
		return time.ParseInLocation(appointment.DateLayout+" "+hhmm, date+" "+clock, loc)
	}
	start, err := at(st.WorkingHoursStart)
	if err != nil {
		return nil, apperr.Validation("INVALID_HOURS", "working_hours_start must be HH:MM")
	}
	end, err := at(st.WorkingHoursEnd)
	if err != nil {
		return nil, apperr.Validation("INVALID_HOURS", "working_hours_end must be HH:MM")
	}

	type span struct{ from, to time.Time }
	var breaks []span
	for _, b := range st.BreakTimes {
		bs, err1 := at(b.Start)
		be, err2 := at(b.End)
		if err1 == nil && err2 == nil {
			breaks = append(breaks, span{bs, be})
		}
	}

	booked := make(map[int64]bool)
	if s.bookings != nil {
		times, err := s.bookings.BookedTimes(ctx, doctorID, date)
		if err != nil {
			return nil, fmt.Errorf("booked times: %w", err)
		}
		for _, t := range times {
			booked[t.Unix()] = true
		}
	}

	out := &SlotList{Date: date, Slots: []Slot{}, ConsultationDuration: duration}
	step := time.Duration(duration) * time.Minute
	for cur := start; cur.Before(end); cur = cur.Add(step) {
		if booked[cur.Unix()] {
			continue
		}
		inBreak := false
		for _, b := range breaks {
			if !cur.Before(b.from) && cur.Before(b.to) {
				inBreak = true
				break
			}
		}
		if inBreak {
			continue
		}
		out.Slots = append(out.Slots, Slot{
			Time:     cur.Format(hhmm),
			DateTime: cur.Format(time.RFC3339),
			Display:  cur.Format(slotDisplay),
		})
	}
	return out, nil
}
