package appointment

import (
	"time"

	"github.com/google/uuid"
)

const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

const (
	StatusPending     = "pending"
	StatusConfirmed   = "confirmed"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusNoShow      = "no_show"
	StatusRescheduled = "rescheduled"
)

var validStatuses = map[string]bool{
	StatusPending: true, StatusConfirmed: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true, StatusNoShow: true,
	StatusRescheduled: true,
}

// Waiting statuses count toward the patients ahead of a token.
var waitingStatuses = []string{StatusPending, StatusConfirmed}

// DateLayout is the queue_date format.
const DateLayout = "2006-01-02"

// DefaultDurationMins is used when a booking does not carry its own estimate.
const DefaultDurationMins = 15

// Appointment maps to the appointments table.
type Appointment struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	PatientID             string     `db:"patient_id" json:"patient_id"`
	DoctorID              string     `db:"doctor_id" json:"doctor_id"`
	Mode                  string     `db:"mode" json:"mode"`
	Status                string     `db:"status" json:"status"`
	ScheduledTime         time.Time  `db:"scheduled_time" json:"scheduled_time"`
	QueueNumber           int        `db:"queue_number" json:"queue_number"`
	QueueDate             string     `db:"queue_date" json:"queue_date"`
	MeetLink              *string    `db:"meet_link" json:"meet_link,omitempty"`
	HospitalAddress       *string    `db:"hospital_address" json:"hospital_address,omitempty"`
	PatientTimezone       string     `db:"patient_timezone" json:"patient_timezone"`
	EstimatedDurationMins int        `db:"estimated_duration_mins" json:"estimated_duration_mins"`
	PatientJoinedAt       *time.Time `db:"patient_joined_at" json:"patient_joined_at,omitempty"`
	ConsultationStartedAt *time.Time `db:"consultation_started_at" json:"consultation_started_at,omitempty"`
	ConsultationEndedAt   *time.Time `db:"consultation_ended_at" json:"consultation_ended_at,omitempty"`
	CancelledReason       *string    `db:"cancelled_reason" json:"cancelled_reason,omitempty"`
	Notes                 *string    `db:"notes" json:"notes,omitempty"`
	PatientName           *string    `db:"patient_name" json:"patient_name,omitempty"`
	PatientAge            *int       `db:"patient_age" json:"patient_age,omitempty"`
	PatientGender         *string    `db:"patient_gender" json:"patient_gender,omitempty"`
	ChiefComplaint        *string    `db:"chief_complaint" json:"chief_complaint,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// IsWaiting reports whether the appointment is still waiting to be seen.
func (a *Appointment) IsWaiting() bool {
	return a.Status == StatusPending || a.Status == StatusConfirmed
}

// BookRequest is the body of POST /appointments.
type BookRequest struct {
	PatientID             string    `json:"patient_id"`
	DoctorID              string    `json:"doctor_id" validate:"required"`
	Mode                  string    `json:"mode" validate:"required,oneof=online offline"`
	ScheduledTime         time.Time `json:"scheduled_time" validate:"required"`
	PatientTimezone       string    `json:"patient_timezone"`
	EstimatedDurationMins int       `json:"estimated_duration_mins" validate:"omitempty,min=5,max=240"`
	MeetLink              *string   `json:"meet_link" validate:"omitempty,meetlink"`
	PatientName           *string   `json:"patient_name"`
	PatientAge            *int      `json:"patient_age" validate:"omitempty,min=0,max=150"`
	PatientGender         *string   `json:"patient_gender"`
	ChiefComplaint        *string   `json:"chief_complaint"`
}

// BookingPolicy is what a doctor's settings say about new bookings.
type BookingPolicy struct {
	AcceptsOnline           bool
	AcceptsOffline          bool
	AcceptingToday          bool
	HospitalAddress         string
	MaxPatientsPerDay       int
	ConsultationDurationMin int
	Timezone                string
}

// QueuePosition is a patient's view of the live queue.
type QueuePosition struct {
	AppointmentID        uuid.UUID  `json:"appointment_id"`
	PatientID            string     `json:"patient_id"`
	QueueNumber          int        `json:"queue_number"`
	QueueDate            string     `json:"queue_date"`
	Status               string     `json:"status"`
	CurrentServing       int        `json:"current_serving"`
	PatientsAhead        int        `json:"patients_ahead"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	DoctorStatus         string     `json:"doctor_status"`
	UnavailableUntil     *time.Time `json:"doctor_unavailable_until,omitempty"`
	UnavailabilityReason string     `json:"unavailability_reason,omitempty"`
	ConsultationID       string     `json:"consultation_id,omitempty"`
	ConsultationStatus   string     `json:"consultation_status,omitempty"`
	MeetLink             string     `json:"meet_link,omitempty"`
}

// DoctorQueue is a doctor's live queue for today.
type DoctorQueue struct {
	DoctorID     string         `json:"doctor_id"`
	Date         string         `json:"date"`
	Queue        []*Appointment `json:"queue"`
	Current      *Appointment   `json:"current"`
	CurrentToken int            `json:"current_token"`
	TotalWaiting int            `json:"total_waiting"`
}

type DayStats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Remaining  int `json:"remaining"`
	NoShows    int `json:"no_shows"`
}

// DaySummary is GET /appointments/doctor/:doctorId/today.
type DaySummary struct {
	Date         string         `json:"date"`
	Appointments []*Appointment `json:"appointments"`
	Stats        DayStats       `json:"stats"`
}

// DoctorAvailability is the current unavailability window, if any.
type DoctorAvailability struct {
	Until  time.Time
	Reason string
}

// SessionSummary is the consultation state shown alongside a queue position.
type SessionSummary struct {
	ID       string
	Status   string
	MeetLink string
}
