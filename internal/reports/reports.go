// Package reports generates versioned JSON snapshot reports of system state.
// Reports are written atomically and recorded in the store so dashboards and
// operators can find the latest one.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/costwatch"
	"github.com/foremanhq/foreman/internal/logging"
	"github.com/foremanhq/foreman/internal/orchestrator"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/store"
)

// SchemaVersion identifies the report layout. Bump when fields change shape.
const SchemaVersion = 2

// KindOperations is the standard full-system snapshot.
const KindOperations = "operations"

// AgentSummary is the per-agent section of a report.
type AgentSummary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	Skills         []string `json:"skills"`
	Capacity       float64  `json:"capacity"`
	AssignedEffort float64  `json:"assigned_effort"`
}

// Snapshot is the report payload.
type Snapshot struct {
	SchemaVersion int                          `json:"schema_version"`
	Kind          string                       `json:"kind"`
	GeneratedAt   time.Time                    `json:"generated_at"`
	Queue         *queue.Stats                 `json:"queue"`
	Agents        []AgentSummary               `json:"agents"`
	Processes     []orchestrator.ProcessStatus `json:"processes"`
	Budget        *budget.Status               `json:"budget,omitempty"`
	Cost          *costwatch.Status            `json:"cost,omitempty"`
}

// QueueSource provides queue statistics.
type QueueSource interface {
	Stats() (*queue.Stats, error)
}

// RecordStore persists report records.
type RecordStore interface {
	SaveReport(record *store.ReportRecord) error
}

// Generator builds and writes snapshot reports.
type Generator struct {
	dir        string
	q          QueueSource
	registry   *agents.Registry
	supervisor *orchestrator.Supervisor
	enforcer   *budget.Enforcer
	watcher    *costwatch.Watcher
	records    RecordStore

	log *slog.Logger
}

// NewGenerator creates a report generator writing into dir. The budget
// enforcer and cost watcher are optional.
func NewGenerator(dir string, q QueueSource, registry *agents.Registry,
	supervisor *orchestrator.Supervisor, enforcer *budget.Enforcer,
	watcher *costwatch.Watcher, records RecordStore) *Generator {
	return &Generator{
		dir:        dir,
		q:          q,
		registry:   registry,
		supervisor: supervisor,
		enforcer:   enforcer,
		watcher:    watcher,
		records:    records,
		log:        logging.WithComponent("reports"),
	}
}

// Snapshot assembles the current system state.
func (g *Generator) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := g.q.Stats()
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}

	snap := &Snapshot{
		SchemaVersion: SchemaVersion,
		Kind:          KindOperations,
		GeneratedAt:   time.Now(),
		Queue:         stats,
		Processes:     g.supervisor.Status(),
	}

	for _, agent := range g.registry.List() {
		snap.Agents = append(snap.Agents, AgentSummary{
			ID:             agent.ID,
			Name:           agent.Name,
			State:          string(agent.State),
			Skills:         agent.Skills,
			Capacity:       agent.Capacity,
			AssignedEffort: agent.AssignedEffort,
		})
	}

	if g.enforcer != nil {
		status, err := g.enforcer.GetStatus(ctx)
		if err != nil {
			g.log.Warn("Budget status unavailable for report", slog.Any("error", err))
		} else {
			snap.Budget = status
		}
	}
	if g.watcher != nil {
		snap.Cost = g.watcher.Status()
	}

	return snap, nil
}

// Generate writes a snapshot report to disk and records it. Returns the
// report path.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", snap.Kind, snap.GeneratedAt.Format("20060102-150405"))
	path := filepath.Join(g.dir, name)

	if err := writeAtomic(path, snap); err != nil {
		return "", err
	}

	record := &store.ReportRecord{
		ID:            uuid.New().String(),
		Kind:          snap.Kind,
		Path:          path,
		SchemaVersion: snap.SchemaVersion,
		GeneratedAt:   snap.GeneratedAt,
	}
	if err := g.records.SaveReport(record); err != nil {
		return "", fmt.Errorf("failed to record report: %w", err)
	}

	g.log.Info("Report generated", slog.String("path", path))
	return path, nil
}

// writeAtomic writes JSON via a temp file and rename so readers never see a
// partial report.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close report: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish report: %w", err)
	}
	return nil
}
