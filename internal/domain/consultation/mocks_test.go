package consultation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/domain/appointment"
	"github.com/telemed/telemed/internal/platform/analysis"
	"github.com/telemed/telemed/internal/platform/apperr"
	"github.com/telemed/telemed/internal/platform/audit"
	"github.com/telemed/telemed/internal/platform/blobstore"
	"github.com/telemed/telemed/internal/platform/notification"
	"github.com/telemed/telemed/internal/platform/sessioncrypto"
)

// -- Mocks --

type mockSessions struct {
	mu    sync.Mutex
	items map[string]*Session
}

func (m *mockSessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.AppointmentID == s.AppointmentID {
			return apperr.Conflict("SESSION_EXISTS", "consultation already exists")
		}
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *mockSessions) GetByID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("consultation not found")
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessions) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.AppointmentID == appointmentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("consultation not found")
}

func (m *mockSessions) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[s.ID]; !ok {
		return apperr.NotFound("consultation not found")
	}
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *mockSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type mockMessages struct {
	mu    sync.Mutex
	items []*Message
}

func (m *mockMessages) Create(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.CreatedAt = time.Now()
	m.items = append(m.items, msg)
	return nil
}

func (m *mockMessages) GetByID(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.items {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, apperr.NotFound("message not found")
}

func (m *mockMessages) ListByConsultation(_ context.Context, consultationID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, msg := range m.items {
		if msg.ConsultationID == consultationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

type mockNotes struct {
	mu    sync.Mutex
	items map[string]*Notes
}

func (m *mockNotes) GetByConsultation(_ context.Context, consultationID string) (*Notes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[consultationID]
	if !ok {
		return nil, apperr.NotFound("notes not found")
	}
	cp := *n
	return &cp, nil
}

func (m *mockNotes) Upsert(_ context.Context, n *Notes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ConsultationID] = &cp
	return nil
}

type mockPrescriptions struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Prescription
}

func (m *mockPrescriptions) Create(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CreatedAt = time.Now()
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *mockPrescriptions) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("prescription not found")
	}
	cp := *p
	return &cp, nil
}

func (m *mockPrescriptions) ListByPatient(_ context.Context, patientID string) ([]*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Prescription
	for _, p := range m.items {
		if p.PatientID == patientID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignedAt.After(out[j].SignedAt) })
	return out, nil
}

func (m *mockPrescriptions) Supersede(_ context.Context, oldID uuid.UUID, next *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.items[oldID]
	if !ok {
		return apperr.NotFound("prescription not found")
	}
	if !old.IsActive {
		return apperr.Conflict("ALREADY_SUPERSEDED", "prescription has already been superseded")
	}
	cp := *next
	m.items[next.ID] = &cp
	old.IsActive = false
	old.SupersededBy = &next.ID
	return nil
}

type mockAppointments struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*appointment.Appointment
	inProgress int
	summaries  []string
}

func (m *mockAppointments) put(a *appointment.Appointment) *appointment.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.items[a.ID] = a
	return a
}

func (m *mockAppointments) get(id uuid.UUID) *appointment.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.items[id]
	return &cp
}

func (m *mockAppointments) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment not found")
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointments) MarkInProgress(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment not found")
	}
	a.Status = appointment.StatusInProgress
	m.inProgress++
	cp := *a
	return &cp, nil
}

func (m *mockAppointments) MarkCompleted(_ context.Context, id uuid.UUID, summary string) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment not found")
	}
	a.Status = appointment.StatusCompleted
	m.summaries = append(m.summaries, summary)
	cp := *a
	return &cp, nil
}

func (m *mockAppointments) SetMeetLink(_ context.Context, id uuid.UUID, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return apperr.NotFound("appointment not found")
	}
	a.MeetLink = &link
	return nil
}

type mockLinks struct {
	links map[string]string
}

func (m *mockLinks) MeetLink(_ context.Context, doctorID string) (string, error) {
	return m.links[doctorID], nil
}

type mockRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *mockRecorder) Record(_ context.Context, e audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *mockRecorder) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (m *mockNotifier) SendFromTemplate(_ context.Context, templateID string, _ map[string]string, recipient string) (*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, templateID+":"+recipient)
	return &notification.Notification{}, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []string
}

func (m *mockPublisher) PublishData(_ context.Context, topic, eventType, _, _ string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, topic+"|"+eventType)
	return nil
}

type stubAnalysis struct {
	got analysis.Request
}

func (s *stubAnalysis) Analyze(_ context.Context, req analysis.Request) (*analysis.Result, error) {
	s.got = req
	return &analysis.Result{ExecutiveSummary: "no anomalies", ConfidenceScore: 0.9}, nil
}

// -- Helpers --

type testEnv struct {
	svc          *Service
	sessions     *mockSessions
	messages     *mockMessages
	notes        *mockNotes
	rx           *mockPrescriptions
	appointments *mockAppointments
	links        *mockLinks
	vault        *sessioncrypto.Vault
	blobs        *blobstore.InMemoryBlobStore
	audit        *mockRecorder
	notifier     *mockNotifier
	events       *mockPublisher
}

var testNow = time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	vault, err := sessioncrypto.NewVault("test-master-secret")
	if err != nil {
		panic(err)
	}
	env := &testEnv{
		sessions:     &mockSessions{items: make(map[string]*Session)},
		messages:     &mockMessages{},
		notes:        &mockNotes{items: make(map[string]*Notes)},
		rx:           &mockPrescriptions{items: make(map[uuid.UUID]*Prescription)},
		appointments: &mockAppointments{items: make(map[uuid.UUID]*appointment.Appointment)},
		links:        &mockLinks{links: make(map[string]string)},
		vault:        vault,
		blobs:        blobstore.NewInMemoryBlobStore(),
		audit:        &mockRecorder{},
		notifier:     &mockNotifier{},
		events:       &mockPublisher{},
	}
	env.svc = NewService(Deps{
		Sessions:      env.sessions,
		Messages:      env.messages,
		Notes:         env.notes,
		Prescriptions: env.rx,
		Appointments:  env.appointments,
		Links:         env.links,
		Vault:         env.vault,
		Blobs:         env.blobs,
		Audit:         env.audit,
		Notifier:      env.notifier,
		Events:        env.events,
		Logger:        zerolog.Nop(),
	})
	env.svc.now = func() time.Time { return testNow }
	return env
}

func (env *testEnv) booked(mode string, link *string) *appointment.Appointment {
	return env.appointments.put(&appointment.Appointment{
		PatientID:   "patient-1",
		DoctorID:    "doc-1",
		Mode:        mode,
		Status:      appointment.StatusPending,
		QueueDate:   "2026-03-10",
		QueueNumber: 4,
		MeetLink:    link,
	})
}

// started books an offline appointment and opens its consultation.
func (env *testEnv) started() *Session {
	a := env.booked(appointment.ModeOffline, nil)
	sess, err := env.svc.Start(context.Background(), a.ID)
	if err != nil {
		panic(err)
	}
	return sess
}

func ptr[T any](v T) *T { return &v }
