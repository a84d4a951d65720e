package consultation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/audit"
	"github.com/telemed/telemed/internal/platform/notification"
)

// canonicalContent is the signed form of a prescription: the medications and
// tests as JSON with object keys sorted at every level.
func canonicalContent(meds []Medication, tests []AdvisedTest) (string, error) {
	if meds == nil {
		meds = []Medication{}
	}
	if tests == nil {
		tests = []AdvisedTest{}
	}
	raw, err := json.Marshal(map[string]any{"medications": meds, "tests": tests})
	if err != nil {
		return "", err
	}
	// Round-tripping through map[string]any makes encoding/json sort the
	// struct fields too.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sign stamps p with signed_at and the doctor's signature. signed_at is
// truncated to the store's microsecond precision.
func (s *Service) sign(p *Prescription) error {
	content, err := canonicalContent(p.Medications, p.AdvisedTests)
	if err != nil {
		return apperr.Internal("canonicalize prescription", err)
	}
	p.SignedAt = s.now().UTC().Truncate(time.Microsecond)
	p.DoctorSignature = s.vault.Sign(content, p.DoctorID, p.SignedAt)
	return nil
}

// verify recomputes the signature and sets SignatureValid.
func (s *Service) verify(p *Prescription) {
	content, err := canonicalContent(p.Medications, p.AdvisedTests)
	p.SignatureValid = err == nil && s.vault.Verify(content, p.DoctorID, p.SignedAt, p.DoctorSignature)
}

func newPrescription(sess *Session, req *PrescriptionRequest) *Prescription {
	p := &Prescription{
		ID:                  uuid.New(),
		AppointmentID:       sess.AppointmentID,
		ConsultationID:      sess.ID,
		PatientID:           sess.PatientID,
		DoctorID:            sess.DoctorID,
		Medications:         req.Medications,
		AdvisedTests:        req.AdvisedTests,
		FollowUpDate:        req.FollowUpDate,
		FollowUpNotes:       req.FollowUpNotes,
		DietInstructions:    req.DietInstructions,
		LifestyleAdvice:     req.LifestyleAdvice,
		SpecialInstructions: req.SpecialInstructions,
		WarningSigns:        req.WarningSigns,
		IsActive:            true,
	}
	if p.Medications == nil {
		p.Medications = []Medication{}
	}
	if p.AdvisedTests == nil {
		p.AdvisedTests = []AdvisedTest{}
	}
	for i := range p.Medications {
		if p.Medications[i].Form == "" {
			p.Medications[i].Form = "tablet"
		}
		if p.Medications[i].RelationToFood == "" {
			p.Medications[i].RelationToFood = "after_food"
		}
		if p.Medications[i].Timing == nil {
			p.Medications[i].Timing = []string{}
		}
	}
	for i := range p.AdvisedTests {
		if p.AdvisedTests[i].TestType == "" {
			p.AdvisedTests[i].TestType = "other"
		}
		if p.AdvisedTests[i].Urgency == "" {
			p.AdvisedTests[i].Urgency = "routine"
		}
	}
	return p
}

// CreatePrescription signs and stores a prescription for the session.
func (s *Service) CreatePrescription(ctx context.Context, id string, req *PrescriptionRequest) (*Prescription, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p := newPrescription(sess, req)
	if err := s.sign(p); err != nil {
		return nil, err
	}
	if err := s.prescriptions.Create(ctx, p); err != nil {
		return nil, err
	}
	p.SignatureValid = true

	s.record(ctx, audit.Entry{
		Action:         audit.ActionPrescriptionCreated,
		ResourceType:   "prescription",
		ResourceID:     p.ID.String(),
		AppointmentID:  &sess.AppointmentID,
		ConsultationID: sess.ID,
		Details:        map[string]any{"medications": len(p.Medications), "tests": len(p.AdvisedTests)},
	})
	s.notifyIssued(ctx, p)
	return p, nil
}

// GetPrescription returns a prescription with its signature re-verified.
func (s *Service) GetPrescription(ctx context.Context, rxID uuid.UUID) (*Prescription, error) {
	p, err := s.prescriptions.GetByID(ctx, rxID)
	if err != nil {
		return nil, err
	}
	s.verify(p)
	return p, nil
}

// ListPrescriptionsByPatient returns the patient's prescriptions, newest
// first, each re-verified.
func (s *Service) ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]*Prescription, error) {
	items, err := s.prescriptions.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, p := range items {
		s.verify(p)
	}
	if items == nil {
		items = []*Prescription{}
	}
	return items, nil
}

// SupersedePrescription issues a replacement for oldID and retires the old
// one.
func (s *Service) SupersedePrescription(ctx context.Context, oldID uuid.UUID, req *PrescriptionRequest) (*Prescription, error) {
	old, err := s.prescriptions.GetByID(ctx, oldID)
	if err != nil {
		return nil, err
	}
	if !old.IsActive {
		return nil, apperr.Conflict("ALREADY_SUPERSEDED", "prescription has already been superseded")
	}
	sess, err := s.sessions.GetByID(ctx, old.ConsultationID)
	if err != nil {
		return nil, fmt.Errorf("load consultation of prescription: %w", err)
	}
	next := newPrescription(sess, req)
	if err := s.sign(next); err != nil {
		return nil, err
	}
	if err := s.prescriptions.Supersede(ctx, old.ID, next); err != nil {
		return nil, err
	}
	next.SignatureValid = true

	s.record(ctx, audit.Entry{
		Action:         audit.ActionPrescriptionReplaced,
		ResourceType:   "prescription",
		ResourceID:     next.ID.String(),
		AppointmentID:  &sess.AppointmentID,
		ConsultationID: sess.ID,
		Details:        map[string]any{"superseded": old.ID.String()},
	})
	s.notifyIssued(ctx, next)
	return next, nil
}

func (s *Service) notifyIssued(ctx context.Context, p *Prescription) {
	if s.notifier == nil {
		return
	}
	_, err := s.notifier.SendFromTemplate(ctx, notification.TemplatePrescriptionIssued,
		map[string]string{"consultation_id": p.ConsultationID}, p.PatientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("prescription_id", p.ID.String()).Msg("prescription notice failed")
	}
}
