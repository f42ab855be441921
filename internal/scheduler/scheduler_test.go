package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler() *Scheduler {
	return New(&Config{Enabled: true, Timezone: "UTC"})
}

func TestScheduler_AddJobRejectsInvalidSpec(t *testing.T) {
	s := newTestScheduler()

	err := s.AddJob(context.Background(), "bad", "not a cron spec", func(context.Context) error {
		return nil
	})
	if err == nil {
		t.Error("AddJob() with invalid spec error = nil, want error")
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("Jobs() has %d entries after rejected add, want 0", len(s.Jobs()))
	}
}

func TestScheduler_RunsJob(t *testing.T) {
	s := newTestScheduler()

	var runs atomic.Int64
	err := s.AddJob(context.Background(), "tick", "@every 10ms", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runs.Load() >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("job ran %d times within deadline, want >= 2", runs.Load())
}

func TestScheduler_JobErrorDoesNotUnschedule(t *testing.T) {
	s := newTestScheduler()

	var runs atomic.Int64
	err := s.AddJob(context.Background(), "flaky", "@every 10ms", func(context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	})
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runs.Load() >= 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("failing job ran %d times within deadline, want >= 3", runs.Load())
}

func TestScheduler_DisabledStartIsNoOp(t *testing.T) {
	s := New(&Config{Enabled: false, Timezone: "UTC"})

	var runs atomic.Int64
	_ = s.AddJob(context.Background(), "never", "@every 1ms", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start()
	if s.IsRunning() {
		t.Error("IsRunning() = true for disabled scheduler")
	}
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("disabled scheduler ran jobs %d times, want 0", runs.Load())
	}
	s.Stop() // must not block when never started
}

func TestScheduler_InvalidTimezoneFallsBack(t *testing.T) {
	s := New(&Config{Enabled: true, Timezone: "Mars/Olympus_Mons"})
	if s == nil {
		t.Fatal("New() = nil for invalid timezone")
	}

	// The scheduler must still accept and run jobs.
	if err := s.AddJob(context.Background(), "job", "0 0 * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("AddJob() error = %v", err)
	}
}

func TestScheduler_JobsSortedByName(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	for _, name := range []string{"snapshot-report", "budget-reset", "budget-check"} {
		if err := s.AddJob(ctx, name, "0 * * * *", func(context.Context) error { return nil }); err != nil {
			t.Fatalf("AddJob(%s) error = %v", name, err)
		}
	}

	jobs := s.Jobs()
	want := []string{"budget-check", "budget-reset", "snapshot-report"}
	if len(jobs) != len(want) {
		t.Fatalf("Jobs() returned %d entries, want %d", len(jobs), len(want))
	}
	for i, name := range want {
		if jobs[i].Name != name {
			t.Errorf("Jobs()[%d].Name = %q, want %q", i, jobs[i].Name, name)
		}
	}

	// Next run times are only populated while running.
	if !jobs[0].NextRun.IsZero() {
		t.Error("NextRun set before Start")
	}
	s.Start()
	defer s.Stop()
	if s.Jobs()[0].NextRun.IsZero() {
		t.Error("NextRun not set after Start")
	}
}
