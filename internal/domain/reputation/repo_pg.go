package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/db"
)

type reputationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &reputationRepoPG{pool: pool} }

const repCols = `patient_id, total_appointments, completed_appointments, no_show_count, late_arrivals,
	reputation_score, is_suspended, suspension_until, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.PatientID, &r.TotalAppointments, &r.CompletedAppointments, &r.NoShowCount, &r.LateArrivals,
		&r.ReputationScore, &r.IsSuspended, &r.SuspensionUntil, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("reputation record not found")
		}
		return nil, err
	}
	return &r, nil
}

func (r *reputationRepoPG) Get(ctx context.Context, patientID string) (*Record, error) {
	return scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+repCols+` FROM patient_reputation WHERE patient_id = $1`, patientID))
}

func (r *reputationRepoPG) Mutate(ctx context.Context, patientID string, fn func(rec *Record) error) (*Record, error) {
	var out *Record
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if _, err := q.Exec(ctx, `
			INSERT INTO patient_reputation (patient_id, reputation_score)
			VALUES ($1, $2)
			ON CONFLICT (patient_id) DO NOTHING`, patientID, StartingScore); err != nil {
			return fmt.Errorf("ensure reputation row: %w", err)
		}
		rec, err := scanRecord(q.QueryRow(ctx,
			`SELECT `+repCols+` FROM patient_reputation WHERE patient_id = $1 FOR UPDATE`, patientID))
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		err = q.QueryRow(ctx, `
			UPDATE patient_reputation SET total_appointments=$2, completed_appointments=$3, no_show_count=$4,
				late_arrivals=$5, reputation_score=$6, is_suspended=$7, suspension_until=$8, updated_at=NOW()
			WHERE patient_id = $1
			RETURNING updated_at`,
			rec.PatientID, rec.TotalAppointments, rec.CompletedAppointments, rec.NoShowCount,
			rec.LateArrivals, rec.ReputationScore, rec.IsSuspended, rec.SuspensionUntil,
		).Scan(&rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update reputation: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

func (r *reputationRepoPG) LiftExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient_reputation SET is_suspended = FALSE, suspension_until = NULL, updated_at = NOW()
		WHERE is_suspended AND suspension_until IS NOT NULL AND suspension_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("lift expired suspensions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
