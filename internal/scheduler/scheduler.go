// Package scheduler runs Foreman's recurring maintenance jobs on cron
// schedules: budget resets, report generation, and similar housekeeping.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foremanhq/foreman/internal/logging"
)

// Config holds scheduler settings.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
	// ReportSchedule is the cron spec for periodic snapshot reports.
	ReportSchedule string `yaml:"report_schedule"`
	// BudgetResetSchedule is the cron spec for the daily budget reset.
	BudgetResetSchedule string `yaml:"budget_reset_schedule"`
}

// DefaultConfig returns default scheduler settings.
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		Timezone:            "UTC",
		ReportSchedule:      "0 * * * *",
		BudgetResetSchedule: "0 0 * * *",
	}
}

// JobFunc is a scheduled job body. Errors are logged, not propagated; a
// failing job runs again at its next scheduled time.
type JobFunc func(ctx context.Context) error

// JobStatus describes a registered job.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run"`
}

type job struct {
	name     string
	schedule string
	entryID  cron.EntryID
}

// Scheduler runs named jobs on cron schedules.
type Scheduler struct {
	config *Config
	cron   *cron.Cron
	log    *slog.Logger

	mu      sync.Mutex
	jobs    []*job
	running bool
}

// New creates a scheduler. Invalid timezones fall back to UTC.
func New(config *Config) *Scheduler {
	log := logging.WithComponent("scheduler")

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		log.Warn("Invalid timezone, using UTC",
			slog.String("timezone", config.Timezone),
			slog.Any("error", err))
		loc = time.UTC
	}

	return &Scheduler{
		config: config,
		cron:   cron.New(cron.WithLocation(loc)),
		log:    log,
	}
}

// AddJob registers a named job. Jobs may be added before or after Start.
func (s *Scheduler) AddJob(ctx context.Context, name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug("Running scheduled job", slog.String("job", name))
		if err := fn(ctx); err != nil {
			s.log.Error("Scheduled job failed",
				slog.String("job", name),
				slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs = append(s.jobs, &job{name: name, schedule: schedule, entryID: entryID})
	return nil
}

// Start begins running scheduled jobs. Returns immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	if !s.config.Enabled {
		s.log.Info("Scheduler disabled")
		return
	}

	s.cron.Start()
	s.running = true
	s.log.Info("Scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.log.Info("Scheduler stopped")
}

// IsRunning returns whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Jobs returns the status of registered jobs, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{Name: j.name, Schedule: j.schedule}
		if s.running {
			entry := s.cron.Entry(j.entryID)
			st.NextRun = entry.Next
			st.LastRun = entry.Prev
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
