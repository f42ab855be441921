// Package orchestrator supervises agent worker processes. It spawns them,
// captures their output, restarts them with backoff when they exit, and can
// stop them gracefully or immediately. Only processes the supervisor spawned
// are ever signalled, always by PID.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/foremanhq/foreman/internal/logging"
)

// ErrUnknownProcess is returned when a process ID is not managed.
var ErrUnknownProcess = errors.New("unknown process")

// ProcState represents the supervision state of a managed process.
type ProcState string

const (
	ProcStarting ProcState = "starting"
	ProcRunning  ProcState = "running"
	ProcStopped  ProcState = "stopped"
	// ProcFailed means the restart budget was exhausted.
	ProcFailed ProcState = "failed"
)

// ProcessSpec describes a worker process to supervise.
type ProcessSpec struct {
	// ID is the unique identifier, typically the agent ID.
	ID string `yaml:"id"`
	// Command is the executable to run.
	Command string `yaml:"command"`
	// Args are the command arguments.
	Args []string `yaml:"args"`
	// Dir is the working directory.
	Dir string `yaml:"dir"`
	// Env is appended to the parent environment.
	Env []string `yaml:"env"`
}

// ProcessStatus is a snapshot of one managed process.
type ProcessStatus struct {
	ID        string     `json:"id"`
	PID       int        `json:"pid"`
	State     ProcState  `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Restarts  int        `json:"restarts"`
	LastError string     `json:"last_error,omitempty"`
}

// Config holds supervisor settings.
type Config struct {
	// GracePeriod is how long a process gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`
	// RestartBackoff is the initial delay before a restart; doubles per
	// consecutive restart, capped at MaxRestartBackoff.
	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff"`
	// MaxRestarts within RestartWindow moves the process to failed
	// instead of flapping forever.
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`
	// LogDir is where per-process output logs are written.
	LogDir string `yaml:"log_dir"`
	// Workers are launched at daemon start and supervised for its
	// lifetime.
	Workers []ProcessSpec `yaml:"workers"`
}

// DefaultConfig returns default supervisor settings.
func DefaultConfig() *Config {
	return &Config{
		GracePeriod:       10 * time.Second,
		RestartBackoff:    2 * time.Second,
		MaxRestartBackoff: 1 * time.Minute,
		MaxRestarts:       5,
		RestartWindow:     10 * time.Minute,
		LogDir:            "",
	}
}

// FailureCallback is invoked when a process exhausts its restart budget.
type FailureCallback func(id string, err error)

// managedProcess is the supervisor's record of one worker.
type managedProcess struct {
	spec     ProcessSpec
	state    ProcState
	cmd      *exec.Cmd
	started  *time.Time
	restarts []time.Time // restart timestamps within the window
	lastErr  string
	stopping bool
	done     chan struct{}
}

// Supervisor manages a set of worker processes.
type Supervisor struct {
	cfg       *Config
	onFailure FailureCallback

	mu    sync.Mutex
	procs map[string]*managedProcess

	log *slog.Logger
}

// NewSupervisor creates a process supervisor.
func NewSupervisor(cfg *Config) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Supervisor{
		cfg:   cfg,
		procs: make(map[string]*managedProcess),
		log:   logging.WithComponent("orchestrator"),
	}
}

// OnFailure sets the callback for processes that exhaust their restart budget.
func (s *Supervisor) OnFailure(cb FailureCallback) {
	s.onFailure = cb
}

// Launch starts supervising a process. The supervision loop runs until the
// context is cancelled, Stop is called, or the restart budget is exhausted.
func (s *Supervisor) Launch(ctx context.Context, spec ProcessSpec) error {
	s.mu.Lock()
	if existing, ok := s.procs[spec.ID]; ok && existing.state != ProcStopped && existing.state != ProcFailed {
		s.mu.Unlock()
		return fmt.Errorf("process %s already managed", spec.ID)
	}
	proc := &managedProcess{
		spec:  spec,
		state: ProcStarting,
		done:  make(chan struct{}),
	}
	s.procs[spec.ID] = proc
	s.mu.Unlock()

	go s.supervise(ctx, proc)
	return nil
}

// supervise runs the start/wait/restart loop for one process.
func (s *Supervisor) supervise(ctx context.Context, proc *managedProcess) {
	defer close(proc.done)

	backoff := s.cfg.RestartBackoff

	for {
		err := s.runOnce(ctx, proc)

		s.mu.Lock()
		if proc.stopping || ctx.Err() != nil {
			proc.state = ProcStopped
			s.mu.Unlock()
			s.log.Info("Process stopped", slog.String("process_id", proc.spec.ID))
			return
		}

		if err != nil {
			proc.lastErr = err.Error()
		}

		now := time.Now()
		proc.restarts = append(proc.restarts, now)
		proc.restarts = pruneOld(proc.restarts, now.Add(-s.cfg.RestartWindow))

		if len(proc.restarts) > s.cfg.MaxRestarts {
			proc.state = ProcFailed
			s.mu.Unlock()
			s.log.Error("Process exhausted restart budget",
				slog.String("process_id", proc.spec.ID),
				slog.Int("restarts", s.cfg.MaxRestarts),
				slog.Any("error", err),
			)
			if s.onFailure != nil {
				s.onFailure(proc.spec.ID, fmt.Errorf("restart budget exhausted: %w", err))
			}
			return
		}
		proc.state = ProcStarting
		s.mu.Unlock()

		s.log.Warn("Process exited, restarting",
			slog.String("process_id", proc.spec.ID),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			s.mu.Lock()
			proc.state = ProcStopped
			s.mu.Unlock()
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.MaxRestartBackoff {
			backoff = s.cfg.MaxRestartBackoff
		}
	}
}

// runOnce starts the process and waits for it to exit.
func (s *Supervisor) runOnce(ctx context.Context, proc *managedProcess) error {
	cmd := exec.Command(proc.spec.Command, proc.spec.Args...)
	cmd.Dir = proc.spec.Dir
	cmd.Env = append(os.Environ(), proc.spec.Env...)

	if s.cfg.LogDir != "" {
		logFile, err := s.openLog(proc.spec.ID)
		if err != nil {
			return err
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	proc.cmd = cmd
	proc.started = &now
	proc.state = ProcRunning
	s.mu.Unlock()

	s.log.Info("Process started",
		slog.String("process_id", proc.spec.ID),
		slog.Int("pid", cmd.Process.Pid),
	)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		s.terminate(cmd)
		<-waitCh
		return ctx.Err()
	}
}

// openLog opens the per-process output log in append mode.
func (s *Supervisor) openLog(id string) (*os.File, error) {
	if err := os.MkdirAll(s.cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(s.cfg.LogDir, id+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open process log: %w", err)
	}
	return file, nil
}

// Stop gracefully stops one process: SIGTERM, then SIGKILL after the grace
// period. It waits for the supervision loop to exit.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	proc, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownProcess
	}
	proc.stopping = true
	cmd := proc.cmd
	done := proc.done
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		s.terminate(cmd)
	}

	<-done
	return nil
}

// StopAll gracefully stops every managed process.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id, proc := range s.procs {
		if proc.state == ProcRunning || proc.state == ProcStarting {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(id); err != nil {
				s.log.Error("Failed to stop process",
					slog.String("process_id", id),
					slog.Any("error", err),
				)
			}
		}(id)
	}
	wg.Wait()
}

// EmergencyStop kills every managed process immediately by PID. Used by the
// cost watchdog when spend runs away.
func (s *Supervisor) EmergencyStop(reason string) {
	s.mu.Lock()
	var cmds []*exec.Cmd
	for _, proc := range s.procs {
		proc.stopping = true
		if proc.cmd != nil && proc.cmd.Process != nil && proc.state == ProcRunning {
			cmds = append(cmds, proc.cmd)
		}
	}
	s.mu.Unlock()

	s.log.Error("Emergency stop", slog.String("reason", reason), slog.Int("processes", len(cmds)))

	for _, cmd := range cmds {
		_ = cmd.Process.Kill()
	}
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return // already gone
	}

	deadline := time.After(s.cfg.GracePeriod)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			_ = cmd.Process.Kill()
			return
		case <-tick.C:
			// Signal 0 checks liveness without delivering anything.
			if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
				return
			}
		}
	}
}

// Status returns a snapshot of all managed processes, sorted by ID.
func (s *Supervisor) Status() []ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]ProcessStatus, 0, len(s.procs))
	for _, proc := range s.procs {
		status := ProcessStatus{
			ID:        proc.spec.ID,
			State:     proc.state,
			StartedAt: proc.started,
			Restarts:  len(proc.restarts),
			LastError: proc.lastErr,
		}
		if proc.cmd != nil && proc.cmd.Process != nil && proc.state == ProcRunning {
			status.PID = proc.cmd.Process.Pid
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// Remove drops a stopped or failed process from the supervisor.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.procs[id]
	if !ok {
		return ErrUnknownProcess
	}
	if proc.state != ProcStopped && proc.state != ProcFailed {
		return fmt.Errorf("process %s is still %s", id, proc.state)
	}
	delete(s.procs, id)
	return nil
}

// pruneOld drops timestamps before cutoff.
func pruneOld(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
