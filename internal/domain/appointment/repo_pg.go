package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/db"
)

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &appointmentRepoPG{pool: pool} }

const apptCols = `id, patient_id, doctor_id, mode, status, scheduled_time, queue_number,
	to_char(queue_date, 'YYYY-MM-DD'), meet_link, hospital_address, patient_timezone,
	estimated_duration_mins, patient_joined_at, consultation_started_at, consultation_ended_at,
	cancelled_reason, notes, patient_name, patient_age, patient_gender, chief_complaint,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Mode, &a.Status, &a.ScheduledTime, &a.QueueNumber,
		&a.QueueDate, &a.MeetLink, &a.HospitalAddress, &a.PatientTimezone,
		&a.EstimatedDurationMins, &a.PatientJoinedAt, &a.ConsultationStartedAt, &a.ConsultationEndedAt,
		&a.CancelledReason, &a.Notes, &a.PatientName, &a.PatientAge, &a.PatientGender, &a.ChiefComplaint,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("appointment not found")
		}
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, mode, status, scheduled_time, queue_number,
			queue_date, meet_link, hospital_address, patient_timezone, estimated_duration_mins,
			notes, patient_name, patient_age, patient_gender, chief_complaint)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::date,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.Mode, a.Status, a.ScheduledTime, a.QueueNumber,
		a.QueueDate, a.MeetLink, a.HospitalAddress, a.PatientTimezone, a.EstimatedDurationMins,
		a.Notes, a.PatientName, a.PatientAge, a.PatientGender, a.ChiefComplaint,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("DUPLICATE_TOKEN", "queue number already taken for this doctor and date")
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments SET status=$2, scheduled_time=$3, queue_number=$4, meet_link=$5,
			hospital_address=$6, patient_joined_at=$7, consultation_started_at=$8,
			consultation_ended_at=$9, cancelled_reason=$10, notes=$11, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.Status, a.ScheduledTime, a.QueueNumber, a.MeetLink,
		a.HospitalAddress, a.PatientJoinedAt, a.ConsultationStartedAt,
		a.ConsultationEndedAt, a.CancelledReason, a.Notes)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("DUPLICATE_TOKEN", "queue number already taken for this doctor and date")
		}
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("appointment not found")
	}
	return nil
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID, status string, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE patient_id = $1`
	args := []any{patientID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+apptCols+` FROM appointments`+where+` ORDER BY scheduled_time DESC LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := collect(rows)
	return items, total, err
}

func (r *appointmentRepoPG) ListByDoctorDate(ctx context.Context, doctorID, date string, statuses ...string) ([]*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointments WHERE doctor_id = $1 AND queue_date = $2::date`
	args := []any{doctorID, date}
	if len(statuses) > 0 {
		query += ` AND status = ANY($3)`
		args = append(args, statuses)
	}
	query += ` ORDER BY queue_number`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Appointment, error) {
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) CountForDay(ctx context.Context, doctorID, date string) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE doctor_id = $1 AND queue_date = $2::date`,
		doctorID, date).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) MaxTokenForDay(ctx context.Context, doctorID, date string) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(queue_number), 0) FROM appointments WHERE doctor_id = $1 AND queue_date = $2::date`,
		doctorID, date).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) CountAhead(ctx context.Context, doctorID, date string, queueNumber int) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND queue_date = $2::date AND queue_number < $3 AND status = ANY($4)`,
		doctorID, date, queueNumber, waitingStatuses).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) CurrentServing(ctx context.Context, doctorID, date string) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(MIN(queue_number), 0) FROM appointments
		WHERE doctor_id = $1 AND queue_date = $2::date AND status = $3`,
		doctorID, date, StatusInProgress).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) BookedTimes(ctx context.Context, doctorID, date string) ([]time.Time, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT scheduled_time FROM appointments
		WHERE doctor_id = $1 AND queue_date = $2::date AND status NOT IN ($3, $4)`,
		doctorID, date, StatusCancelled, StatusRescheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) WithDayLock(ctx context.Context, doctorID, date string, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		if err := db.AdvisoryXactLock(ctx, db.Conn(ctx, r.pool), "queue|"+doctorID+"|"+date); err != nil {
			return err
		}
		return fn(ctx)
	})
}
