package consultation

import (
	"context"

	"github.com/google/uuid"

	"github.com/telemed/telemed/internal/platform/apperr"
)

// GetNotes returns the doctor's notes, or nil when none were written.
func (s *Service) GetNotes(ctx context.Context, id string) (*Notes, error) {
	if _, err := s.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	n, err := s.notes.GetByConsultation(ctx, id)
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	return n, err
}

// UpdateNotes applies the non-nil fields of upd, creating the notes on first
// write.
func (s *Service) UpdateNotes(ctx context.Context, id string, upd *NotesUpdate) (*Notes, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := s.notesFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	if upd.Observations != nil {
		n.Observations = *upd.Observations
	}
	if upd.VitalSigns != nil {
		n.VitalSigns = upd.VitalSigns
	}
	if upd.ExaminationFindings != nil {
		n.ExaminationFindings = upd.ExaminationFindings
	}
	if upd.ProvisionalDiagnosis != nil {
		n.ProvisionalDiagnosis = upd.ProvisionalDiagnosis
	}
	if upd.DifferentialDiagnosis != nil {
		n.DifferentialDiagnosis = upd.DifferentialDiagnosis
	}
	if upd.IsEmergency != nil {
		n.IsEmergency = *upd.IsEmergency
	}
	if upd.NeedsReferral != nil {
		n.NeedsReferral = *upd.NeedsReferral
	}
	if upd.ReferralSpecialty != nil {
		n.ReferralSpecialty = upd.ReferralSpecialty
	}
	if err := s.notes.Upsert(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// notesFor loads the session's notes or starts empty ones.
func (s *Service) notesFor(ctx context.Context, sess *Session) (*Notes, error) {
	n, err := s.notes.GetByConsultation(ctx, sess.ID)
	if err == nil {
		return n, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	return &Notes{
		ID:                    uuid.New(),
		ConsultationID:        sess.ID,
		AppointmentID:         sess.AppointmentID,
		DoctorID:              sess.DoctorID,
		PatientID:             sess.PatientID,
		DifferentialDiagnosis: []string{},
	}, nil
}
