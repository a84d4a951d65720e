package jobs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScheduler_RegisterRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	err := s.Register(Job{Name: "bad", Schedule: "every now and then", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("expected no registered jobs, got %d", len(s.Jobs()))
	}
}

func TestScheduler_RegisterRequiresName(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	if err := s.Register(Job{Schedule: "@every 1m", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for unnamed job")
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(zerolog.New(&buf))

	var order []string
	_ = s.Register(Job{Name: "sweep", Schedule: "@every 15m", Run: func(context.Context) error {
		order = append(order, "sweep")
		return nil
	}})
	_ = s.Register(Job{Name: "notify", Schedule: "@every 1m", Run: func(context.Context) error {
		order = append(order, "notify")
		return errors.New("smtp down")
	}})

	err := s.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "notify: smtp down") {
		t.Fatalf("expected joined job error, got %v", err)
	}
	if len(order) != 2 || order[0] != "sweep" || order[1] != "notify" {
		t.Errorf("unexpected run order: %v", order)
	}
	if !strings.Contains(buf.String(), `"job":"sweep"`) {
		t.Errorf("expected job log line, got %q", buf.String())
	}
}

func TestScheduler_TimeoutApplied(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	_ = s.Register(Job{Name: "slow", Schedule: "@every 1h", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	err := s.RunOnce(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var runs int32
	_ = s.Register(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})

	s.Start()
	time.Sleep(1500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if atomic.LoadInt32(&runs) < 1 {
		t.Error("expected job to run at least once")
	}
}
