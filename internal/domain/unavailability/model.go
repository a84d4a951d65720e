package unavailability

import (
	"time"

	"github.com/google/uuid"
)

// Reasons a doctor may give for stepping away.
const (
	ReasonBreak     = "break"
	ReasonEmergency = "emergency"
	ReasonPersonal  = "personal"
	ReasonOther     = "other"
)

var validReasons = map[string]bool{
	ReasonBreak: true, ReasonEmergency: true, ReasonPersonal: true, ReasonOther: true,
}

// Unavailability maps to the doctor_unavailability table. The affected ids
// are fixed when the window is declared.
type Unavailability struct {
	ID                     uuid.UUID   `db:"id" json:"id"`
	DoctorID               string      `db:"doctor_id" json:"doctor_id"`
	DoctorName             string      `db:"doctor_name" json:"doctor_name,omitempty"`
	StartTime              time.Time   `db:"start_time" json:"start_time"`
	EndTime                time.Time   `db:"end_time" json:"end_time"`
	Reason                 string      `db:"reason" json:"reason"`
	CustomMessage          *string     `db:"custom_message" json:"custom_message,omitempty"`
	NotifyPatients         bool        `db:"notify_patients" json:"notify_patients"`
	NotificationSent       bool        `db:"notification_sent" json:"notification_sent"`
	AffectedAppointmentIDs []uuid.UUID `db:"affected_appointment_ids" json:"affected_appointment_ids"`
	CreatedAt              time.Time   `db:"created_at" json:"created_at"`
}

// Active reports whether t falls inside the window.
func (u *Unavailability) Active(t time.Time) bool {
	return !t.Before(u.StartTime) && t.Before(u.EndTime)
}

// DeclareRequest is the body of POST /unavailability. StartTime defaults to
// now; DurationMins is used when EndTime is absent.
type DeclareRequest struct {
	StartTime      *time.Time `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	DurationMins   int        `json:"duration_minutes" validate:"omitempty,min=1,max=1440"`
	Reason         string     `json:"reason" validate:"required,oneof=break emergency personal other"`
	CustomMessage  string     `json:"custom_message" validate:"max=500"`
	NotifyPatients *bool      `json:"notify_patients"`
}
