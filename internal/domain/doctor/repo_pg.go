package doctor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/db"
)

type settingsRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &settingsRepoPG{pool: pool} }

const settingsCols = `doctor_id, accepts_online, accepts_offline, accepting_appointments_today,
	hospital_name, hospital_address, consultation_duration_mins, threshold_wait_mins,
	max_patients_per_day, working_hours_start, working_hours_end, timezone, break_times,
	online_consultation_fee, offline_consultation_fee, custom_meet_link, updated_at`

func scanSettings(row pgx.Row) (*Settings, error) {
	var s Settings
	var breaks []byte
	err := row.Scan(&s.DoctorID, &s.AcceptsOnline, &s.AcceptsOffline, &s.AcceptingAppointmentsToday,
		&s.HospitalName, &s.HospitalAddress, &s.ConsultationDurationMins, &s.ThresholdWaitMins,
		&s.MaxPatientsPerDay, &s.WorkingHoursStart, &s.WorkingHoursEnd, &s.Timezone, &breaks,
		&s.OnlineConsultationFee, &s.OfflineConsultationFee, &s.CustomMeetLink, &s.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("doctor settings not found")
		}
		return nil, err
	}
	s.BreakTimes = []BreakTime{}
	if len(breaks) > 0 {
		if err := json.Unmarshal(breaks, &s.BreakTimes); err != nil {
			return nil, fmt.Errorf("decode break_times: %w", err)
		}
	}
	return &s, nil
}

func (r *settingsRepoPG) Get(ctx context.Context, doctorID string) (*Settings, error) {
	return scanSettings(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+settingsCols+` FROM doctor_settings WHERE doctor_id = $1`, doctorID))
}

func (r *settingsRepoPG) Upsert(ctx context.Context, s *Settings) error {
	breaks, err := json.Marshal(s.BreakTimes)
	if err != nil {
		return fmt.Errorf("encode break_times: %w", err)
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor_settings (doctor_id, accepts_online, accepts_offline, accepting_appointments_today,
			hospital_name, hospital_address, consultation_duration_mins, threshold_wait_mins,
			max_patients_per_day, working_hours_start, working_hours_end, timezone, break_times,
			online_consultation_fee, offline_consultation_fee, custom_meet_link)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (doctor_id) DO UPDATE SET
			accepts_online = EXCLUDED.accepts_online,
			accepts_offline = EXCLUDED.accepts_offline,
			accepting_appointments_today = EXCLUDED.accepting_appointments_today,
			hospital_name = EXCLUDED.hospital_name,
			hospital_address = EXCLUDED.hospital_address,
			consultation_duration_mins = EXCLUDED.consultation_duration_mins,
			threshold_wait_mins = EXCLUDED.threshold_wait_mins,
			max_patients_per_day = EXCLUDED.max_patients_per_day,
			working_hours_start = EXCLUDED.working_hours_start,
			working_hours_end = EXCLUDED.working_hours_end,
			timezone = EXCLUDED.timezone,
			break_times = EXCLUDED.break_times,
			online_consultation_fee = EXCLUDED.online_consultation_fee,
			offline_consultation_fee = EXCLUDED.offline_consultation_fee,
			custom_meet_link = EXCLUDED.custom_meet_link,
			updated_at = NOW()
		RETURNING updated_at`,
		s.DoctorID, s.AcceptsOnline, s.AcceptsOffline, s.AcceptingAppointmentsToday,
		s.HospitalName, s.HospitalAddress, s.ConsultationDurationMins, s.ThresholdWaitMins,
		s.MaxPatientsPerDay, s.WorkingHoursStart, s.WorkingHoursEnd, s.Timezone, breaks,
		s.OnlineConsultationFee, s.OfflineConsultationFee, s.CustomMeetLink,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert doctor settings: %w", err)
	}
	return nil
}
