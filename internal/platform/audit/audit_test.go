package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memoryStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *memoryStore) Insert(_ context.Context, e *Entry) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func TestLogger_Record_FillsDefaults(t *testing.T) {
	store := &memoryStore{}
	l := NewLogger(store, zerolog.Nop())

	l.Record(context.Background(), Entry{
		ActorType:      "doctor",
		ActorID:        "doc-1",
		Action:         ActionConsultationStarted,
		ResourceType:   "consultation",
		ResourceID:     "cons_1",
		ConsultationID: "cons_1",
	})

	if len(store.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	got := store.entries[0]
	if got.ID == uuid.Nil {
		t.Error("expected id to be generated")
	}
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if got.Action != ActionConsultationStarted {
		t.Errorf("expected action %s, got %s", ActionConsultationStarted, got.Action)
	}
}

func TestLogger_Record_SwallowsStoreError(t *testing.T) {
	var buf bytes.Buffer
	store := &memoryStore{err: errors.New("relation audit_log does not exist")}
	l := NewLogger(store, zerolog.New(&buf))

	l.Record(context.Background(), Entry{Action: ActionPrescriptionCreated, ResourceType: "prescription"})

	out := buf.String()
	if !strings.Contains(out, "audit write failed") {
		t.Errorf("expected failure to be logged, got %q", out)
	}
	if !strings.Contains(out, ActionPrescriptionCreated) {
		t.Errorf("expected action in log line, got %q", out)
	}
}

func TestNop(t *testing.T) {
	Nop().Record(context.Background(), Entry{Action: "anything"})
}
