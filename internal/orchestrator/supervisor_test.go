package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return NewSupervisor(&Config{
		GracePeriod:       200 * time.Millisecond,
		RestartBackoff:    10 * time.Millisecond,
		MaxRestartBackoff: 50 * time.Millisecond,
		MaxRestarts:       2,
		RestartWindow:     time.Minute,
		LogDir:            t.TempDir(),
	})
}

func waitForState(t *testing.T, s *Supervisor, id string, want ProcState) ProcessStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last ProcessStatus
	for time.Now().Before(deadline) {
		for _, status := range s.Status() {
			if status.ID == id {
				last = status
				if status.State == want {
					return status
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s state = %s, want %s", id, last.State, want)
	return last
}

func TestSupervisor_LaunchAndStop(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	err := s.Launch(ctx, ProcessSpec{
		ID:      "worker-1",
		Command: "sleep",
		Args:    []string{"60"},
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	status := waitForState(t, s, "worker-1", ProcRunning)
	if status.PID == 0 {
		t.Error("running process has no PID")
	}
	if status.StartedAt == nil {
		t.Error("running process has no start time")
	}

	if err := s.Stop("worker-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitForState(t, s, "worker-1", ProcStopped)
}

func TestSupervisor_LaunchRejectsDuplicateID(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.Launch(ctx, ProcessSpec{ID: "dup", Command: "sleep", Args: []string{"60"}}); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer func() { _ = s.Stop("dup") }()
	waitForState(t, s, "dup", ProcRunning)

	if err := s.Launch(ctx, ProcessSpec{ID: "dup", Command: "sleep", Args: []string{"60"}}); err == nil {
		t.Error("Launch() with duplicate ID should fail")
	}
}

func TestSupervisor_RestartsExitedProcess(t *testing.T) {
	s := NewSupervisor(&Config{
		GracePeriod:       200 * time.Millisecond,
		RestartBackoff:    10 * time.Millisecond,
		MaxRestartBackoff: 50 * time.Millisecond,
		MaxRestarts:       50,
		RestartWindow:     time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Launch(ctx, ProcessSpec{ID: "flaky", Command: "true"}); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, status := range s.Status() {
			if status.ID == "flaky" && status.Restarts >= 2 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("process was not restarted within deadline")
}

func TestSupervisor_FailsAfterRestartBudget(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	var mu sync.Mutex
	var failedID string
	s.OnFailure(func(id string, err error) {
		mu.Lock()
		failedID = id
		mu.Unlock()
	})

	// "false" exits non-zero immediately; with MaxRestarts of 2 the
	// supervisor gives up fast.
	if err := s.Launch(ctx, ProcessSpec{ID: "doomed", Command: "false"}); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	status := waitForState(t, s, "doomed", ProcFailed)
	if status.LastError == "" {
		t.Error("failed process has no LastError")
	}

	mu.Lock()
	defer mu.Unlock()
	if failedID != "doomed" {
		t.Errorf("failure callback got %q, want doomed", failedID)
	}
}

func TestSupervisor_EmergencyStopKillsRunning(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.Launch(ctx, ProcessSpec{ID: "victim", Command: "sleep", Args: []string{"60"}}); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	waitForState(t, s, "victim", ProcRunning)

	s.EmergencyStop("spend runaway")
	waitForState(t, s, "victim", ProcStopped)
}

func TestSupervisor_StopAll(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.Launch(ctx, ProcessSpec{ID: id, Command: "sleep", Args: []string{"60"}}); err != nil {
			t.Fatalf("Launch(%s) error = %v", id, err)
		}
		waitForState(t, s, id, ProcRunning)
	}

	s.StopAll()

	for _, status := range s.Status() {
		if status.State != ProcStopped {
			t.Errorf("process %s state = %s, want stopped", status.ID, status.State)
		}
	}
}

func TestSupervisor_StopUnknownProcess(t *testing.T) {
	s := newTestSupervisor(t)
	if err := s.Stop("ghost"); err != ErrUnknownProcess {
		t.Errorf("Stop() error = %v, want ErrUnknownProcess", err)
	}
}

func TestSupervisor_RemoveRequiresTerminalState(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.Launch(ctx, ProcessSpec{ID: "worker", Command: "sleep", Args: []string{"60"}}); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	waitForState(t, s, "worker", ProcRunning)

	if err := s.Remove("worker"); err == nil {
		t.Error("Remove() of a running process should fail")
	}

	if err := s.Stop("worker"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Remove("worker"); err != nil {
		t.Errorf("Remove() after stop error = %v", err)
	}
	if err := s.Remove("worker"); err != ErrUnknownProcess {
		t.Errorf("Remove() twice error = %v, want ErrUnknownProcess", err)
	}
}

func TestSupervisor_WritesProcessLog(t *testing.T) {
	logDir := t.TempDir()
	s := NewSupervisor(&Config{
		GracePeriod:       200 * time.Millisecond,
		RestartBackoff:    10 * time.Millisecond,
		MaxRestartBackoff: 50 * time.Millisecond,
		MaxRestarts:       2,
		RestartWindow:     time.Minute,
		LogDir:            logDir,
	})
	ctx := context.Background()

	if err := s.Launch(ctx, ProcessSpec{ID: "echoer", Command: "echo", Args: []string{"hello from worker"}}); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	path := filepath.Join(logDir, "echoer.log")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), "hello from worker") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("process log %s does not contain expected output", path)
}

func TestPruneOld(t *testing.T) {
	now := time.Now()
	times := []time.Time{
		now.Add(-3 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-30 * time.Second),
		now,
	}

	kept := pruneOld(times, now.Add(-time.Minute))
	if len(kept) != 2 {
		t.Errorf("pruneOld() kept %d timestamps, want 2", len(kept))
	}
}
