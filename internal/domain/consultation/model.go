package consultation

import (
	"time"

	"github.com/google/uuid"

	"github.com/telemed/telemed/internal/domain/appointment"
)

// Session statuses. Any status may follow any other.
const (
	StatusWaiting        = "waiting"
	StatusPatientArrived = "patient_arrived"
	StatusInProgress     = "in_progress"
	StatusPaused         = "paused"
	StatusCompleted      = "completed"
)

var validStatuses = map[string]bool{
	StatusWaiting: true, StatusPatientArrived: true, StatusInProgress: true,
	StatusPaused: true, StatusCompleted: true,
}

// Message senders and content types.
const (
	SenderDoctor  = "doctor"
	SenderPatient = "patient"
	SenderSystem  = "system"

	ContentText   = "text"
	ContentImage  = "image"
	ContentPDF    = "pdf"
	ContentFile   = "file"
	ContentSystem = "system"
)

// DecryptionFailedText replaces the content of a message that fails to open.
const DecryptionFailedText = "[Decryption failed]"

// Session maps to the consultation_sessions table.
type Session struct {
	ID              string     `db:"id" json:"id"`
	AppointmentID   uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	DoctorID        string     `db:"doctor_id" json:"doctor_id"`
	PatientID       string     `db:"patient_id" json:"patient_id"`
	Status          string     `db:"status" json:"status"`
	IsOnline        bool       `db:"is_online" json:"is_online"`
	MeetLink        *string    `db:"meet_link" json:"meet_link,omitempty"`
	CurrentToken    int        `db:"current_token" json:"current_token"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	PatientJoinedAt *time.Time `db:"patient_joined_at" json:"patient_joined_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// HasLink reports whether the session carries a meeting link.
func (s *Session) HasLink() bool {
	return s.MeetLink != nil && *s.MeetLink != ""
}

// AttachmentMeta describes a file sent in a session. StorageKey locates the
// blob and is never sent to clients.
type AttachmentMeta struct {
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"size_bytes"`
	MimeType   string `json:"mime_type"`
	Checksum   string `json:"checksum"`
	StorageKey string `json:"storage_key,omitempty"`
}

// Message maps to the secure_messages table. Only ciphertext and IV are
// stored.
type Message struct {
	ID               string          `db:"id"`
	ConsultationID   string          `db:"consultation_id"`
	AppointmentID    uuid.UUID       `db:"appointment_id"`
	SenderType       string          `db:"sender_type"`
	SenderID         string          `db:"sender_id"`
	EncryptedContent string          `db:"encrypted_content"`
	IV               string          `db:"iv"`
	ContentType      string          `db:"content_type"`
	Attachment       *AttachmentMeta `db:"attachment_metadata"`
	DeliveredAt      *time.Time      `db:"delivered_at"`
	ReadAt           *time.Time      `db:"read_at"`
	CreatedAt        time.Time       `db:"created_at"`
}

// MessageView is a decrypted message as returned to participants.
type MessageView struct {
	ID               string          `json:"id"`
	ConsultationID   string          `json:"consultation_id"`
	SenderType       string          `json:"sender_type"`
	SenderID         string          `json:"sender_id"`
	Content          string          `json:"content"`
	ContentType      string          `json:"content_type"`
	Attachment       *AttachmentMeta `json:"attachment,omitempty"`
	DecryptionFailed bool            `json:"decryption_failed,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type SendMessageRequest struct {
	Content     string `json:"content" validate:"required,max=10000"`
	ContentType string `json:"content_type" validate:"omitempty,oneof=text system"`
}

type VitalSigns struct {
	Systolic        *int     `json:"blood_pressure_systolic,omitempty" validate:"omitempty,min=0,max=300"`
	Diastolic       *int     `json:"blood_pressure_diastolic,omitempty" validate:"omitempty,min=0,max=200"`
	Pulse           *int     `json:"pulse_rate,omitempty" validate:"omitempty,min=0,max=300"`
	Temperature     *float64 `json:"temperature,omitempty"`
	SpO2            *int     `json:"spo2,omitempty" validate:"omitempty,min=0,max=100"`
	Weight          *float64 `json:"weight,omitempty"`
	Height          *float64 `json:"height,omitempty"`
	RespiratoryRate *int     `json:"respiratory_rate,omitempty"`
}

// Notes maps to the doctor_notes table, one row per consultation.
type Notes struct {
	ID                    uuid.UUID   `db:"id" json:"id"`
	ConsultationID        string      `db:"consultation_id" json:"consultation_id"`
	AppointmentID         uuid.UUID   `db:"appointment_id" json:"appointment_id"`
	DoctorID              string      `db:"doctor_id" json:"doctor_id"`
	PatientID             string      `db:"patient_id" json:"patient_id"`
	Observations          string      `db:"observations" json:"observations"`
	VitalSigns            *VitalSigns `db:"vital_signs" json:"vital_signs,omitempty"`
	ExaminationFindings   *string     `db:"examination_findings" json:"examination_findings,omitempty"`
	ProvisionalDiagnosis  *string     `db:"provisional_diagnosis" json:"provisional_diagnosis,omitempty"`
	DifferentialDiagnosis []string    `db:"differential_diagnosis" json:"differential_diagnosis"`
	IsEmergency           bool        `db:"is_emergency" json:"is_emergency"`
	NeedsReferral         bool        `db:"needs_referral" json:"needs_referral"`
	ReferralSpecialty     *string     `db:"referral_specialty" json:"referral_specialty,omitempty"`
	CreatedAt             time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time   `db:"updated_at" json:"updated_at"`
}

// NotesUpdate is a partial update; nil fields are left untouched.
type NotesUpdate struct {
	Observations          *string     `json:"observations"`
	VitalSigns            *VitalSigns `json:"vital_signs"`
	ExaminationFindings   *string     `json:"examination_findings"`
	ProvisionalDiagnosis  *string     `json:"provisional_diagnosis"`
	DifferentialDiagnosis []string    `json:"differential_diagnosis"`
	IsEmergency           *bool       `json:"is_emergency"`
	NeedsReferral         *bool       `json:"needs_referral"`
	ReferralSpecialty     *string     `json:"referral_specialty"`
}

type Medication struct {
	Name           string   `json:"name" validate:"required"`
	Dosage         string   `json:"dosage" validate:"required"`
	Form           string   `json:"form" validate:"omitempty,oneof=tablet capsule syrup injection cream drops inhaler other"`
	Frequency      string   `json:"frequency" validate:"required"`
	Timing         []string `json:"timing"`
	RelationToFood string   `json:"relation_to_food" validate:"omitempty,oneof=before_food after_food with_food empty_stomach any"`
	DurationValue  int      `json:"duration_value" validate:"min=1"`
	DurationUnit   string   `json:"duration_unit" validate:"required,oneof=days weeks months years"`
	Quantity       *int     `json:"quantity,omitempty" validate:"omitempty,min=1"`
	Instructions   *string  `json:"instructions,omitempty"`
	IsSOS          bool     `json:"is_sos"`
}

type AdvisedTest struct {
	TestName        string  `json:"test_name" validate:"required"`
	TestType        string  `json:"test_type" validate:"omitempty,oneof=blood urine imaging biopsy ecg other"`
	Urgency         string  `json:"urgency" validate:"omitempty,oneof=routine urgent emergency"`
	FastingRequired bool    `json:"fasting_required"`
	Notes           *string `json:"notes,omitempty"`
}

// Prescription maps to the prescriptions table. SignatureValid is computed
// on every read.
type Prescription struct {
	ID                  uuid.UUID     `db:"id" json:"id"`
	AppointmentID       uuid.UUID     `db:"appointment_id" json:"appointment_id"`
	ConsultationID      string        `db:"consultation_id" json:"consultation_id"`
	PatientID           string        `db:"patient_id" json:"patient_id"`
	DoctorID            string        `db:"doctor_id" json:"doctor_id"`
	Medications         []Medication  `db:"medications" json:"medications"`
	AdvisedTests        []AdvisedTest `db:"advised_tests" json:"advised_tests"`
	FollowUpDate        *time.Time    `db:"follow_up_date" json:"follow_up_date,omitempty"`
	FollowUpNotes       *string       `db:"follow_up_notes" json:"follow_up_notes,omitempty"`
	DietInstructions    *string       `db:"diet_instructions" json:"diet_instructions,omitempty"`
	LifestyleAdvice     *string       `db:"lifestyle_advice" json:"lifestyle_advice,omitempty"`
	SpecialInstructions *string       `db:"special_instructions" json:"special_instructions,omitempty"`
	WarningSigns        *string       `db:"warning_signs" json:"warning_signs,omitempty"`
	DoctorSignature     string        `db:"doctor_signature" json:"doctor_signature"`
	SignedAt            time.Time     `db:"signed_at" json:"signed_at"`
	IsActive            bool          `db:"is_active" json:"is_active"`
	SupersededBy        *uuid.UUID    `db:"superseded_by" json:"superseded_by,omitempty"`
	SignatureValid      bool          `db:"-" json:"signature_valid"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at"`
}

type PrescriptionRequest struct {
	Medications         []Medication  `json:"medications" validate:"dive"`
	AdvisedTests        []AdvisedTest `json:"advised_tests" validate:"dive"`
	FollowUpDate        *time.Time    `json:"follow_up_date"`
	FollowUpNotes       *string       `json:"follow_up_notes"`
	DietInstructions    *string       `json:"diet_instructions"`
	LifestyleAdvice     *string       `json:"lifestyle_advice"`
	SpecialInstructions *string       `json:"special_instructions"`
	WarningSigns        *string       `json:"warning_signs"`
}

type FinishRequest struct {
	FinalDiagnosis   string     `json:"final_diagnosis" validate:"max=2000"`
	TreatmentSummary string     `json:"treatment_summary" validate:"max=5000"`
	FollowUpRequired bool       `json:"follow_up_required"`
	FollowUpDate     *time.Time `json:"follow_up_date"`
}

type AnalysisRequest struct {
	AnalysisType       string   `json:"analysis_type" validate:"omitempty,oneof=full documents_only notes_only quick"`
	IncludeDocuments   bool     `json:"include_documents"`
	IncludeDoctorNotes bool     `json:"include_doctor_notes"`
	IncludeHistory     bool     `json:"include_history"`
	FocusAreas         []string `json:"focus_areas"`
}

// Details is the response of GET /consultations/:id.
type Details struct {
	Consultation *Session                 `json:"consultation"`
	Appointment  *appointment.Appointment `json:"appointment,omitempty"`
	Notes        *Notes                   `json:"doctor_notes,omitempty"`
}
