package reputation

import "time"

// Outcomes reported by the appointment and queue flows.
const (
	OutcomeCompleted   = "completed"
	OutcomeNoShow      = "no_show"
	OutcomeLateArrival = "late_arrival"
)

const (
	StartingScore   = 50
	MaxScore        = 100
	NoShowPenalty   = 10
	CompletedReward = 2
)

// Record maps to the patient_reputation table.
type Record struct {
	PatientID             string     `db:"patient_id" json:"patient_id"`
	TotalAppointments     int        `db:"total_appointments" json:"total_appointments"`
	CompletedAppointments int        `db:"completed_appointments" json:"completed_appointments"`
	NoShowCount           int        `db:"no_show_count" json:"no_show_count"`
	LateArrivals          int        `db:"late_arrivals" json:"late_arrivals"`
	ReputationScore       int        `db:"reputation_score" json:"reputation_score"`
	IsSuspended           bool       `db:"is_suspended" json:"is_suspended"`
	SuspensionUntil       *time.Time `db:"suspension_until" json:"suspension_until,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// NewRecord is the state of a patient seen for the first time.
func NewRecord(patientID string) *Record {
	return &Record{PatientID: patientID, ReputationScore: StartingScore}
}

// Apply folds one outcome into the record.
func (r *Record) Apply(outcome string) {
	switch outcome {
	case OutcomeNoShow:
		r.NoShowCount++
		r.TotalAppointments++
		r.ReputationScore = max(0, r.ReputationScore-NoShowPenalty)
	case OutcomeCompleted:
		r.CompletedAppointments++
		r.TotalAppointments++
		r.ReputationScore = min(MaxScore, r.ReputationScore+CompletedReward)
	case OutcomeLateArrival:
		r.LateArrivals++
	}
}

// SuspensionRequest is the body of PUT /reputation/:patientId/suspension.
// A nil Until lifts the suspension.
type SuspensionRequest struct {
	Suspended bool       `json:"suspended"`
	Until     *time.Time `json:"until"`
}
