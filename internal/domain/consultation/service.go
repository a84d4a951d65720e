package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/domain/appointment"
	"github.com/telemed/telemed/internal/platform/analysis"
	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/audit"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/blobstore"
	"github.com/telemed/telemed/internal/platform/notification"
	"github.com/telemed/telemed/internal/platform/sessioncrypto"
	"github.com/telemed/telemed/internal/platform/websocket"
)

// Appointments is the part of the appointment service a consultation drives.
type Appointments interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	MarkInProgress(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, summary string) (*appointment.Appointment, error)
	SetMeetLink(ctx context.Context, id uuid.UUID, link string) error
}

// LinkProvider returns a doctor's configured fallback meeting link, or "".
type LinkProvider interface {
	MeetLink(ctx context.Context, doctorID string) (string, error)
}

// Notifier sends a templated notice to a patient.
type Notifier interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

// Deps are the collaborators of a Service. Notifier, Events and Analysis
// may be nil.
type Deps struct {
	Sessions      SessionRepository
	Messages      MessageRepository
	Notes         NotesRepository
	Prescriptions PrescriptionRepository
	Appointments  Appointments
	Links         LinkProvider
	Vault         *sessioncrypto.Vault
	Blobs         blobstore.Store
	Audit         audit.Recorder
	Notifier      Notifier
	Events        appointment.Publisher
	Analysis      analysis.Client
	Logger        zerolog.Logger
}

// Service runs the consultation state machine and everything that flows
// through an open session: messages, attachments, notes and prescriptions.
type Service struct {
	sessions      SessionRepository
	messages      MessageRepository
	notes         NotesRepository
	prescriptions PrescriptionRepository
	appointments  Appointments
	links         LinkProvider
	vault         *sessioncrypto.Vault
	blobs         blobstore.Store
	audit         audit.Recorder
	notifier      Notifier
	events        appointment.Publisher
	analysis      analysis.Client
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		sessions:      d.Sessions,
		messages:      d.Messages,
		notes:         d.Notes,
		prescriptions: d.Prescriptions,
		appointments:  d.Appointments,
		links:         d.Links,
		vault:         d.Vault,
		blobs:         d.Blobs,
		audit:         d.Audit,
		notifier:      d.Notifier,
		events:        d.Events,
		analysis:      d.Analysis,
		logger:        d.Logger.With().Str("component", "consultation").Logger(),
		now:           time.Now,
	}
	if s.audit == nil {
		s.audit = audit.Nop()
	}
	if s.analysis == nil {
		s.analysis = analysis.Disabled()
	}
	return s
}

func errMeetLinkMissing() error {
	return apperr.Conflict("MEET_LINK_MISSING",
		"no meeting link is set for this online consultation; add a custom meet link in doctor settings")
}

// Start opens the consultation for an appointment, or returns the one that
// already exists. An online consultation needs a meeting link; when none can
// be found nothing is persisted.
func (s *Service) Start(ctx context.Context, appointmentID uuid.UUID) (sess *Session, err error) {
	defer func() {
		entry := audit.Entry{
			Action:        audit.ActionConsultationStarted,
			ResourceType:  "consultation",
			AppointmentID: &appointmentID,
			Details:       map[string]any{"result": "ok"},
		}
		if sess != nil {
			entry.ResourceID = sess.ID
			entry.ConsultationID = sess.ID
		}
		if err != nil {
			entry.Details["result"] = "error"
			entry.Details["code"] = apperr.CodeOf(err)
		}
		s.record(ctx, entry)
	}()

	a, err := s.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	existing, err := s.sessions.GetByAppointment(ctx, appointmentID)
	if err == nil {
		return s.resume(ctx, a, existing)
	}
	if !apperr.IsNotFound(err) {
		return nil, fmt.Errorf("load consultation: %w", err)
	}

	online := a.Mode == appointment.ModeOnline
	link, err := s.resolveLink(ctx, a)
	if err != nil {
		return nil, err
	}
	if online && link == "" {
		return nil, errMeetLinkMissing()
	}

	id, err := sessioncrypto.NewConsultationID()
	if err != nil {
		return nil, apperr.Internal("mint consultation id", err)
	}
	now := s.now().UTC()
	sess = &Session{
		ID:            id,
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		Status:        StatusInProgress,
		IsOnline:      online,
		CurrentToken:  a.QueueNumber,
		StartedAt:     &now,
	}
	if link != "" {
		sess.MeetLink = &link
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			// Lost a race with a concurrent start.
			if winner, gerr := s.sessions.GetByAppointment(ctx, appointmentID); gerr == nil {
				return winner, nil
			}
		}
		return nil, err
	}

	if link != "" && (a.MeetLink == nil || *a.MeetLink != link) {
		if err := s.appointments.SetMeetLink(ctx, a.ID, link); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("meet link not copied to appointment")
		}
	}
	if _, err := s.appointments.MarkInProgress(ctx, a.ID); err != nil {
		return nil, fmt.Errorf("mark appointment in progress: %w", err)
	}
	s.publishStatus(ctx, sess)
	return sess, nil
}

// resume returns an existing session after one attempt to repair a missing
// meeting link.
func (s *Service) resume(ctx context.Context, a *appointment.Appointment, sess *Session) (*Session, error) {
	if sess.IsOnline && !sess.HasLink() {
		link, err := s.resolveLink(ctx, a)
		if err != nil {
			return nil, err
		}
		if link == "" {
			return nil, errMeetLinkMissing()
		}
		sess.MeetLink = &link
		if err := s.sessions.Update(ctx, sess); err != nil {
			return nil, fmt.Errorf("store repaired meet link: %w", err)
		}
		if a.MeetLink == nil || *a.MeetLink == "" {
			if err := s.appointments.SetMeetLink(ctx, a.ID, link); err != nil {
				s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("meet link not copied to appointment")
			}
		}
	}
	if a.IsWaiting() {
		if _, err := s.appointments.MarkInProgress(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("appointment not marked in progress")
		}
	}
	return sess, nil
}

// resolveLink prefers the appointment's own link, then the doctor's
// configured one.
func (s *Service) resolveLink(ctx context.Context, a *appointment.Appointment) (string, error) {
	if a.MeetLink != nil && *a.MeetLink != "" {
		return *a.MeetLink, nil
	}
	if s.links == nil {
		return "", nil
	}
	link, err := s.links.MeetLink(ctx, a.DoctorID)
	if err != nil {
		return "", fmt.Errorf("doctor meet link: %w", err)
	}
	return link, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.sessions.GetByID(ctx, id)
}

func (s *Service) Appointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

// Details returns the session with its appointment and notes.
func (s *Service) Details(ctx context.Context, id string) (*Details, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Details{Consultation: sess}
	a, err := s.appointments.GetByID(ctx, sess.AppointmentID)
	switch {
	case err == nil:
		out.Appointment = a
	case !apperr.IsNotFound(err):
		return nil, err
	}
	notes, err := s.notes.GetByConsultation(ctx, id)
	switch {
	case err == nil:
		out.Notes = notes
	case !apperr.IsNotFound(err):
		return nil, err
	}
	return out, nil
}

// SetStatus moves the session to status and stamps the matching time. Any
// status may follow any other.
func (s *Service) SetStatus(ctx context.Context, id, status string) (*Session, error) {
	if !validStatuses[status] {
		return nil, apperr.Validation("INVALID_STATUS", fmt.Sprintf("invalid consultation status: %s", status))
	}
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess.Status = status
	switch status {
	case StatusPatientArrived:
		sess.PatientJoinedAt = &now
	case StatusInProgress:
		sess.StartedAt = &now
	case StatusCompleted:
		sess.EndedAt = &now
	}
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, sess)
	return sess, nil
}

// Finish completes the session and its appointment.
func (s *Service) Finish(ctx context.Context, id string, req *FinishRequest) (sess *Session, err error) {
	defer func() {
		entry := audit.Entry{
			Action:         audit.ActionConsultationFinished,
			ResourceType:   "consultation",
			ResourceID:     id,
			ConsultationID: id,
			Details:        map[string]any{"result": "ok"},
		}
		if sess != nil {
			entry.AppointmentID = &sess.AppointmentID
		}
		if err != nil {
			entry.Details["result"] = "error"
			entry.Details["code"] = apperr.CodeOf(err)
		}
		s.record(ctx, entry)
	}()

	sess, err = s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess.Status = StatusCompleted
	sess.EndedAt = &now
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	if req.FinalDiagnosis != "" {
		notes, err := s.notesFor(ctx, sess)
		if err != nil {
			return nil, err
		}
		diagnosis := req.FinalDiagnosis
		notes.ProvisionalDiagnosis = &diagnosis
		if err := s.notes.Upsert(ctx, notes); err != nil {
			return nil, fmt.Errorf("store final diagnosis: %w", err)
		}
	}

	if _, err := s.appointments.MarkCompleted(ctx, sess.AppointmentID, req.TreatmentSummary); err != nil {
		return nil, fmt.Errorf("complete appointment: %w", err)
	}
	s.publishStatus(ctx, sess)
	return sess, nil
}

// RequestAnalysis asks the external analysis service about the session's
// patient.
func (s *Service) RequestAnalysis(ctx context.Context, id string, req *AnalysisRequest) (*analysis.Result, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	in := analysis.Request{
		ConsultationID:     sess.ID,
		AppointmentID:      sess.AppointmentID.String(),
		PatientID:          sess.PatientID,
		AnalysisType:       req.AnalysisType,
		IncludeDocuments:   req.IncludeDocuments,
		IncludeDoctorNotes: req.IncludeDoctorNotes,
		IncludeHistory:     req.IncludeHistory,
		FocusAreas:         req.FocusAreas,
	}
	if a, err := s.appointments.GetByID(ctx, sess.AppointmentID); err == nil && a.ChiefComplaint != nil {
		in.ChiefComplaint = *a.ChiefComplaint
	}
	if req.IncludeDoctorNotes {
		if notes, err := s.notes.GetByConsultation(ctx, id); err == nil {
			in.DoctorNotes = notes.Observations
			if notes.ProvisionalDiagnosis != nil {
				in.DoctorNotes += "\nProvisional diagnosis: " + *notes.ProvisionalDiagnosis
			}
		}
	}

	res, err := s.analysis.Analyze(ctx, in)
	if err != nil {
		if errors.Is(err, analysis.ErrNotConfigured) {
			return nil, apperr.Conflict("ANALYSIS_UNAVAILABLE", "analysis service is not configured")
		}
		return nil, apperr.Internal("analysis failed", err)
	}
	return res, nil
}

// Lookup adapts a session store to the queue's session view.
func Lookup(sessions SessionRepository) appointment.SessionLookup {
	return sessionLookup{sessions: sessions}
}

type sessionLookup struct{ sessions SessionRepository }

func (l sessionLookup) SessionForAppointment(ctx context.Context, appointmentID uuid.UUID) (*appointment.SessionSummary, error) {
	sess, err := l.sessions.GetByAppointment(ctx, appointmentID)
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := &appointment.SessionSummary{ID: sess.ID, Status: sess.Status}
	if sess.MeetLink != nil {
		out.MeetLink = *sess.MeetLink
	}
	return out, nil
}

// record fills the actor from ctx and writes an audit entry. Failures are
// logged by the recorder.
func (s *Service) record(ctx context.Context, e audit.Entry) {
	e.ActorType = auth.ActorType(ctx)
	e.ActorID = auth.UserIDFromContext(ctx)
	s.audit.Record(ctx, e)
}

func (s *Service) publishStatus(ctx context.Context, sess *Session) {
	if s.events == nil {
		return
	}
	data := map[string]any{
		"consultation_id": sess.ID,
		"appointment_id":  sess.AppointmentID,
		"status":          sess.Status,
		"current_token":   sess.CurrentToken,
	}
	for _, topic := range []string{websocket.ConsultationTopic(sess.ID), websocket.QueueTopic(sess.DoctorID)} {
		if err := s.events.PublishData(ctx, topic, websocket.EventConsultationStatus, "consultation", sess.ID, data); err != nil {
			s.logger.Warn().Err(err).Str("consultation_id", sess.ID).Msg("consultation status not published")
		}
	}
}
