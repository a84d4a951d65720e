package unavailability

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

type unavailabilityRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &unavailabilityRepoPG{pool: pool} }

const unavailCols = `id, doctor_id, doctor_name, start_time, end_time, reason, custom_message,
	notify_patients, notification_sent, affected_appointment_ids::text[], created_at`

func scanUnavailability(row pgx.Row) (*Unavailability, error) {
	var u Unavailability
	var affected []string
	err := row.Scan(&u.ID, &u.DoctorID, &u.DoctorName, &u.StartTime, &u.EndTime, &u.Reason, &u.CustomMessage,
		&u.NotifyPatients, &u.NotificationSent, &affected, &u.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("unavailability not found")
		}
		return nil, err
	}
	u.AffectedAppointmentIDs = make([]uuid.UUID, 0, len(affected))
	for _, s := range affected {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("affected appointment id %q: %w", s, err)
		}
		u.AffectedAppointmentIDs = append(u.AffectedAppointmentIDs, id)
	}
	return &u, nil
}

func (r *unavailabilityRepoPG) Create(ctx context.Context, u *Unavailability) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	affected := make([]string, len(u.AffectedAppointmentIDs))
	for i, id := range u.AffectedAppointmentIDs {
		affected[i] = id.String()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor_unavailability (id, doctor_id, doctor_name, start_time, end_time, reason,
			custom_message, notify_patients, notification_sent, affected_appointment_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::uuid[])
		RETURNING created_at`,
		u.ID, u.DoctorID, u.DoctorName, u.StartTime, u.EndTime, u.Reason,
		u.CustomMessage, u.NotifyPatients, u.NotificationSent, affected,
	).Scan(&u.CreatedAt)
}

func (r *unavailabilityRepoPG) Current(ctx context.Context, doctorID string, now time.Time) (*Unavailability, error) {
	return scanUnavailability(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+unavailCols+` FROM doctor_unavailability
		WHERE doctor_id = $1 AND start_time <= $2 AND end_time > $2
		ORDER BY created_at DESC LIMIT 1`, doctorID, now))
}

func (r *unavailabilityRepoPG) ListPendingNotification(ctx context.Context, limit int) ([]*Unavailability, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+unavailCols+` FROM doctor_unavailability
		WHERE notify_patients AND NOT notification_sent
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Unavailability
	for rows.Next() {
		u, err := scanUnavailability(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (r *unavailabilityRepoPG) MarkNotified(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE doctor_unavailability SET notification_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("unavailability not found")
	}
	return nil
}
