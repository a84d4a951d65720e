package doctor

import "time"

// Defaults applied to a doctor with no stored settings.
const (
	DefaultDurationMins      = 15
	DefaultThresholdWaitMins = 10
	DefaultMaxPatientsPerDay = 30
	DefaultWorkingStart      = "09:00"
	DefaultWorkingEnd        = "18:00"
	DefaultTimezone          = "Asia/Kolkata"
)

// BreakTime is a daily pause in HH:MM, in the doctor's timezone.
type BreakTime struct {
	Start string `json:"start" validate:"required,hhmm"`
	End   string `json:"end" validate:"required,hhmm"`
}

// Settings maps to the doctor_settings table.
type Settings struct {
	DoctorID                   string      `db:"doctor_id" json:"doctor_id"`
	AcceptsOnline              bool        `db:"accepts_online" json:"accepts_online"`
	AcceptsOffline             bool        `db:"accepts_offline" json:"accepts_offline"`
	AcceptingAppointmentsToday bool        `db:"accepting_appointments_today" json:"accepting_appointments_today"`
	HospitalName               *string     `db:"hospital_name" json:"hospital_name,omitempty"`
	HospitalAddress            *string     `db:"hospital_address" json:"hospital_address,omitempty"`
	ConsultationDurationMins   int         `db:"consultation_duration_mins" json:"consultation_duration_mins" validate:"min=5,max=240"`
	ThresholdWaitMins          int         `db:"threshold_wait_mins" json:"threshold_wait_mins" validate:"min=0,max=240"`
	MaxPatientsPerDay          int         `db:"max_patients_per_day" json:"max_patients_per_day" validate:"min=0,max=500"`
	WorkingHoursStart          string      `db:"working_hours_start" json:"working_hours_start" validate:"required,hhmm"`
	WorkingHoursEnd            string      `db:"working_hours_end" json:"working_hours_end" validate:"required,hhmm"`
	Timezone                   string      `db:"timezone" json:"timezone" validate:"required"`
	BreakTimes                 []BreakTime `db:"break_times" json:"break_times" validate:"dive"`
	OnlineConsultationFee      *float64    `db:"online_consultation_fee" json:"online_consultation_fee,omitempty" validate:"omitempty,min=0"`
	OfflineConsultationFee     *float64    `db:"offline_consultation_fee" json:"offline_consultation_fee,omitempty" validate:"omitempty,min=0"`
	CustomMeetLink             *string     `db:"custom_meet_link" json:"custom_meet_link,omitempty"`
	UpdatedAt                  time.Time   `db:"updated_at" json:"updated_at"`
}

// Defaults returns the settings used until a doctor saves their own.
func Defaults(doctorID string) *Settings {
	return &Settings{
		DoctorID:                   doctorID,
		AcceptsOnline:              true,
		AcceptsOffline:             true,
		AcceptingAppointmentsToday: true,
		ConsultationDurationMins:   DefaultDurationMins,
		ThresholdWaitMins:          DefaultThresholdWaitMins,
		MaxPatientsPerDay:          DefaultMaxPatientsPerDay,
		WorkingHoursStart:          DefaultWorkingStart,
		WorkingHoursEnd:            DefaultWorkingEnd,
		Timezone:                   DefaultTimezone,
		BreakTimes:                 []BreakTime{},
	}
}

// Slot is one bookable start time.
type Slot struct {
	Time     string `json:"time"`
	DateTime string `json:"datetime"`
	Display  string `json:"display"`
}

// SlotList is the response of GET /doctors/:doctorId/slots.
type SlotList struct {
	Date                 string `json:"date"`
	Slots                []Slot `json:"slots"`
	ConsultationDuration int    `json:"consultation_duration"`
}
