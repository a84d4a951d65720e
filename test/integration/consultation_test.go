package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/telemed/telemed/internal/domain/appointment"
	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/domain/reputation"
	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/audit"
	"github.com/telemed/telemed/internal/platform/blobstore"
	"github.com/telemed/telemed/internal/platform/sessioncrypto"
)

type noLinks struct{}

func (noLinks) MeetLink(context.Context, string) (string, error) { return "", nil }

func newConsultationService(t *testing.T, appts *appointment.Service) *consultation.Service {
	t.Helper()
	vault, err := sessioncrypto.NewVault("integration-master-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return consultation.NewService(consultation.Deps{
		Sessions:      consultation.NewSessionRepoPG(globalDB.Pool),
		Messages:      consultation.NewMessageRepoPG(globalDB.Pool),
		Notes:         consultation.NewNotesRepoPG(globalDB.Pool),
		Prescriptions: consultation.NewPrescriptionRepoPG(globalDB.Pool),
		Appointments:  appts,
		Links:         noLinks{},
		Vault:         vault,
		Blobs:         blobstore.NewInMemoryBlobStore(),
		Audit:         audit.NewLogger(audit.NewPGStore(globalDB.Pool), testLogger()),
		Logger:        testLogger(),
	})
}

func resetConsultationTables(t *testing.T) {
	truncate(t, "prescriptions", "doctor_notes", "secure_messages", "consultation_sessions", "appointments", "audit_log")
}

func TestConsultation_ConcurrentStartsShareOneSession(t *testing.T) {
	resetConsultationTables(t)
	ctx := context.Background()
	appts, _ := newAppointmentService(openPolicy(), nil)
	svc := newConsultationService(t, appts)

	a, err := appts.Book(ctx, bookRequest("patient-1", "doc-1", time.Now().UTC().Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := svc.Start(ctx, a.ID)
			errs[i] = err
			if sess != nil {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected one consultation id, got %v", ids)
		}
	}

	var rows int
	if err := globalDB.Pool.QueryRow(ctx, `SELECT count(*) FROM consultation_sessions WHERE appointment_id = $1`, a.ID).Scan(&rows); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected 1 session row, got %d", rows)
	}

	got, err := appts.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload appointment: %v", err)
	}
	if got.Status != appointment.StatusInProgress {
		t.Errorf("expected appointment in_progress, got %s", got.Status)
	}
}

func TestConsultation_OnlineWithoutLinkPersistsNothing(t *testing.T) {
	resetConsultationTables(t)
	ctx := context.Background()
	appts, _ := newAppointmentService(openPolicy(), nil)
	svc := newConsultationService(t, appts)

	req := bookRequest("patient-1", "doc-1", time.Now().UTC().Add(48*time.Hour))
	req.Mode = appointment.ModeOnline
	a, err := appts.Book(ctx, req)
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	_, err = svc.Start(ctx, a.ID)
	if apperr.CodeOf(err) != "MEET_LINK_MISSING" {
		t.Fatalf("expected MEET_LINK_MISSING, got %v", err)
	}

	var sessions, audits int
	if err := globalDB.Pool.QueryRow(ctx, `SELECT count(*) FROM consultation_sessions`).Scan(&sessions); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if sessions != 0 {
		t.Errorf("expected no session rows, got %d", sessions)
	}
	if err := globalDB.Pool.QueryRow(ctx,
		`SELECT count(*) FROM audit_log WHERE action = $1 AND details->>'result' = 'error'`,
		audit.ActionConsultationStarted).Scan(&audits); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if audits != 1 {
		t.Errorf("expected one failed start in the audit log, got %d", audits)
	}
}

func TestConsultation_MessagesAndPrescriptionsSurviveStorage(t *testing.T) {
	resetConsultationTables(t)
	ctx := context.Background()
	appts, _ := newAppointmentService(openPolicy(), nil)
	svc := newConsultationService(t, appts)

	a, err := appts.Book(ctx, bookRequest("patient-1", "doc-1", time.Now().UTC().Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	sess, err := svc.Start(ctx, a.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.SendMessage(ctx, sess.ID, "patient", "patient-1", "my head hurts", "text"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs, err := svc.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "my head hurts" {
		t.Fatalf("expected the decrypted message back, got %+v", msgs)
	}

	rx, err := svc.CreatePrescription(ctx, sess.ID, &consultation.PrescriptionRequest{
		Medications: []consultation.Medication{{
			Name:          "Paracetamol",
			Dosage:        "500mg",
			Frequency:     "twice daily",
			DurationValue: 5,
			DurationUnit:  "days",
		}},
	})
	if err != nil {
		t.Fatalf("create prescription: %v", err)
	}

	stored, err := svc.GetPrescription(ctx, rx.ID)
	if err != nil {
		t.Fatalf("get prescription: %v", err)
	}
	if !stored.SignatureValid {
		t.Error("expected signature to verify after a storage round trip")
	}

	next, err := svc.SupersedePrescription(ctx, rx.ID, &consultation.PrescriptionRequest{
		Medications: []consultation.Medication{{
			Name:          "Ibuprofen",
			Dosage:        "200mg",
			Frequency:     "thrice daily",
			DurationValue: 3,
			DurationUnit:  "days",
		}},
	})
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if next.DoctorSignature == "" || next.ID == rx.ID {
		t.Error("expected the replacement to be signed")
	}
	if _, err := svc.SupersedePrescription(ctx, rx.ID, &consultation.PrescriptionRequest{}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict superseding twice, got %v", err)
	}

	list, err := svc.ListPrescriptionsByPatient(ctx, "patient-1")
	if err != nil {
		t.Fatalf("list prescriptions: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 prescriptions, got %d", len(list))
	}
}

func TestConsultation_RepeatedFinishCountsVisitOnce(t *testing.T) {
	resetConsultationTables(t)
	truncate(t, "patient_reputation")
	ctx := context.Background()
	rep := reputation.NewService(reputation.NewRepoPG(globalDB.Pool), testLogger())
	appts, _ := newAppointmentService(openPolicy(), rep)
	svc := newConsultationService(t, appts)

	a, err := appts.Book(ctx, bookRequest("patient-1", "doc-1", time.Now().UTC().Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	sess, err := svc.Start(ctx, a.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.Finish(ctx, sess.ID, &consultation.FinishRequest{}); err != nil {
			t.Fatalf("finish %d: %v", i, err)
		}
	}

	rec, err := rep.Get(ctx, "patient-1")
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if rec.CompletedAppointments != 1 || rec.TotalAppointments != 1 {
		t.Errorf("expected one completed visit, got completed=%d total=%d", rec.CompletedAppointments, rec.TotalAppointments)
	}
	if rec.ReputationScore != reputation.StartingScore+reputation.CompletedReward {
		t.Errorf("expected score %d, got %d", reputation.StartingScore+reputation.CompletedReward, rec.ReputationScore)
	}
}
