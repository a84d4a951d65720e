package consultation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/db"
)

// -- Sessions --

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

const sessionCols = `id, appointment_id, doctor_id, patient_id, status, is_online, meet_link,
	current_token, started_at, patient_joined_at, ended_at, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.AppointmentID, &s.DoctorID, &s.PatientID, &s.Status, &s.IsOnline, &s.MeetLink,
		&s.CurrentToken, &s.StartedAt, &s.PatientJoinedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("consultation not found")
		}
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO consultation_sessions (id, appointment_id, doctor_id, patient_id, status, is_online,
			meet_link, current_token, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		s.ID, s.AppointmentID, s.DoctorID, s.PatientID, s.Status, s.IsOnline,
		s.MeetLink, s.CurrentToken, s.StartedAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("SESSION_EXISTS", "appointment already has a consultation")
		}
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id string) (*Session, error) {
	return scanSession(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM consultation_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error) {
	return scanSession(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM consultation_sessions WHERE appointment_id = $1`, appointmentID))
}

func (r *sessionRepoPG) Update(ctx context.Context, s *Session) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE consultation_sessions SET status=$2, meet_link=$3, started_at=$4, patient_joined_at=$5,
			ended_at=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.Status, s.MeetLink, s.StartedAt, s.PatientJoinedAt, s.EndedAt,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return apperr.NotFound("consultation not found")
		}
		return fmt.Errorf("update consultation: %w", err)
	}
	return nil
}

// -- Messages --

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository { return &messageRepoPG{pool: pool} }

const messageCols = `id, consultation_id, appointment_id, sender_type, sender_id, encrypted_content, iv,
	content_type, attachment_metadata, delivered_at, read_at, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var meta []byte
	err := row.Scan(&m.ID, &m.ConsultationID, &m.AppointmentID, &m.SenderType, &m.SenderID,
		&m.EncryptedContent, &m.IV, &m.ContentType, &meta, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, err
	}
	if len(meta) > 0 {
		m.Attachment = &AttachmentMeta{}
		if err := json.Unmarshal(meta, m.Attachment); err != nil {
			return nil, fmt.Errorf("decode attachment metadata: %w", err)
		}
	}
	return &m, nil
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	var meta []byte
	if m.Attachment != nil {
		b, err := json.Marshal(m.Attachment)
		if err != nil {
			return fmt.Errorf("encode attachment metadata: %w", err)
		}
		meta = b
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO secure_messages (id, consultation_id, appointment_id, sender_type, sender_id,
			encrypted_content, iv, content_type, attachment_metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		m.ID, m.ConsultationID, m.AppointmentID, m.SenderType, m.SenderID,
		m.EncryptedContent, m.IV, m.ContentType, meta,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepoPG) GetByID(ctx context.Context, id string) (*Message, error) {
	return scanMessage(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+messageCols+` FROM secure_messages WHERE id = $1`, id))
}

func (r *messageRepoPG) ListByConsultation(ctx context.Context, consultationID string) ([]*Message, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+messageCols+` FROM secure_messages WHERE consultation_id = $1 ORDER BY created_at, id`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// -- Notes --

type notesRepoPG struct{ pool *pgxpool.Pool }

func NewNotesRepoPG(pool *pgxpool.Pool) NotesRepository { return &notesRepoPG{pool: pool} }

func (r *notesRepoPG) GetByConsultation(ctx context.Context, consultationID string) (*Notes, error) {
	var n Notes
	var vitals []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, consultation_id, appointment_id, doctor_id, patient_id, observations, vital_signs,
			examination_findings, provisional_diagnosis, differential_diagnosis, is_emergency,
			needs_referral, referral_specialty, created_at, updated_at
		FROM doctor_notes WHERE consultation_id = $1`, consultationID,
	).Scan(&n.ID, &n.ConsultationID, &n.AppointmentID, &n.DoctorID, &n.PatientID, &n.Observations, &vitals,
		&n.ExaminationFindings, &n.ProvisionalDiagnosis, &n.DifferentialDiagnosis, &n.IsEmergency,
		&n.NeedsReferral, &n.ReferralSpecialty, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("doctor notes not found")
		}
		return nil, err
	}
	if len(vitals) > 0 {
		n.VitalSigns = &VitalSigns{}
		if err := json.Unmarshal(vitals, n.VitalSigns); err != nil {
			return nil, fmt.Errorf("decode vital signs: %w", err)
		}
	}
	if n.DifferentialDiagnosis == nil {
		n.DifferentialDiagnosis = []string{}
	}
	return &n, nil
}

func (r *notesRepoPG) Upsert(ctx context.Context, n *Notes) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var vitals []byte
	if n.VitalSigns != nil {
		b, err := json.Marshal(n.VitalSigns)
		if err != nil {
			return fmt.Errorf("encode vital signs: %w", err)
		}
		vitals = b
	}
	if n.DifferentialDiagnosis == nil {
		n.DifferentialDiagnosis = []string{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor_notes (id, consultation_id, appointment_id, doctor_id, patient_id, observations,
			vital_signs, examination_findings, provisional_diagnosis, differential_diagnosis, is_emergency,
			needs_referral, referral_specialty)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (consultation_id) DO UPDATE SET
			observations = EXCLUDED.observations,
			vital_signs = EXCLUDED.vital_signs,
			examination_findings = EXCLUDED.examination_findings,
			provisional_diagnosis = EXCLUDED.provisional_diagnosis,
			differential_diagnosis = EXCLUDED.differential_diagnosis,
			is_emergency = EXCLUDED.is_emergency,
			needs_referral = EXCLUDED.needs_referral,
			referral_specialty = EXCLUDED.referral_specialty,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		n.ID, n.ConsultationID, n.AppointmentID, n.DoctorID, n.PatientID, n.Observations,
		vitals, n.ExaminationFindings, n.ProvisionalDiagnosis, n.DifferentialDiagnosis, n.IsEmergency,
		n.NeedsReferral, n.ReferralSpecialty,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert doctor notes: %w", err)
	}
	return nil
}

// -- Prescriptions --

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

const rxCols = `id, appointment_id, consultation_id, patient_id, doctor_id, medications, advised_tests,
	follow_up_date, follow_up_notes, diet_instructions, lifestyle_advice, special_instructions,
	warning_signs, doctor_signature, signed_at, is_active, superseded_by, created_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var meds, tests []byte
	err := row.Scan(&p.ID, &p.AppointmentID, &p.ConsultationID, &p.PatientID, &p.DoctorID, &meds, &tests,
		&p.FollowUpDate, &p.FollowUpNotes, &p.DietInstructions, &p.LifestyleAdvice, &p.SpecialInstructions,
		&p.WarningSigns, &p.DoctorSignature, &p.SignedAt, &p.IsActive, &p.SupersededBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("prescription not found")
		}
		return nil, err
	}
	if err := json.Unmarshal(meds, &p.Medications); err != nil {
		return nil, fmt.Errorf("decode medications: %w", err)
	}
	if err := json.Unmarshal(tests, &p.AdvisedTests); err != nil {
		return nil, fmt.Errorf("decode advised tests: %w", err)
	}
	return &p, nil
}

func insertPrescription(ctx context.Context, q db.Querier, p *Prescription) error {
	meds, err := json.Marshal(p.Medications)
	if err != nil {
		return fmt.Errorf("encode medications: %w", err)
	}
	tests, err := json.Marshal(p.AdvisedTests)
	if err != nil {
		return fmt.Errorf("encode advised tests: %w", err)
	}
	err = q.QueryRow(ctx, `
		INSERT INTO prescriptions (id, appointment_id, consultation_id, patient_id, doctor_id, medications,
			advised_tests, follow_up_date, follow_up_notes, diet_instructions, lifestyle_advice,
			special_instructions, warning_signs, doctor_signature, signed_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		p.ID, p.AppointmentID, p.ConsultationID, p.PatientID, p.DoctorID, meds,
		tests, p.FollowUpDate, p.FollowUpNotes, p.DietInstructions, p.LifestyleAdvice,
		p.SpecialInstructions, p.WarningSigns, p.DoctorSignature, p.SignedAt, p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return insertPrescription(ctx, db.Conn(ctx, r.pool), p)
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return scanPrescription(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+rxCols+` FROM prescriptions WHERE id = $1`, id))
}

func (r *prescriptionRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*Prescription, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+rxCols+` FROM prescriptions WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *prescriptionRepoPG) Supersede(ctx context.Context, oldID uuid.UUID, next *Prescription) error {
	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		var active bool
		err := q.QueryRow(ctx, `SELECT is_active FROM prescriptions WHERE id = $1 FOR UPDATE`, oldID).Scan(&active)
		if err != nil {
			if db.IsNoRows(err) {
				return apperr.NotFound("prescription not found")
			}
			return fmt.Errorf("lock prescription: %w", err)
		}
		if !active {
			return apperr.Conflict("ALREADY_SUPERSEDED", "prescription has already been superseded")
		}
		if err := insertPrescription(ctx, q, next); err != nil {
			return err
		}
		_, err = q.Exec(ctx, `
			UPDATE prescriptions SET is_active = FALSE, superseded_by = $2, updated_at = NOW()
			WHERE id = $1`, oldID, next.ID)
		if err != nil {
			return fmt.Errorf("retire prescription: %w", err)
		}
		return nil
	})
}
