package reports

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/orchestrator"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/store"
)

type fakeQueueSource struct {
	stats *queue.Stats
	err   error
}

func (f *fakeQueueSource) Stats() (*queue.Stats, error) {
	return f.stats, f.err
}

type fakeRecordStore struct {
	records []*store.ReportRecord
	err     error
}

func (f *fakeRecordStore) SaveReport(record *store.ReportRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

type fakeAgentStore struct{}

func (fakeAgentStore) UpsertAgent(*agents.Agent) error      { return nil }
func (fakeAgentStore) ListAgents() ([]*agents.Agent, error) { return nil, nil }

func newTestGenerator(t *testing.T) (*Generator, *fakeRecordStore, *agents.Registry) {
	t.Helper()

	registry, err := agents.NewRegistry(fakeAgentStore{})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	supervisor := orchestrator.NewSupervisor(nil)
	records := &fakeRecordStore{}
	source := &fakeQueueSource{stats: &queue.Stats{Pending: 2, Depth: 2}}

	g := NewGenerator(t.TempDir(), source, registry, supervisor, nil, nil, records)
	return g, records, registry
}

func TestGenerator_SnapshotAssemblesState(t *testing.T) {
	g, _, registry := newTestGenerator(t)

	if _, err := registry.Register(&agents.Agent{Name: "builder", Skills: []string{"go"}, Capacity: 3}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	snap, err := g.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", snap.SchemaVersion, SchemaVersion)
	}
	if snap.Kind != KindOperations {
		t.Errorf("Kind = %q, want %q", snap.Kind, KindOperations)
	}
	if snap.Queue.Depth != 2 {
		t.Errorf("queue depth = %d, want 2", snap.Queue.Depth)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].Name != "builder" {
		t.Errorf("agents = %+v, want builder", snap.Agents)
	}
	if snap.Budget != nil || snap.Cost != nil {
		t.Error("budget and cost should be nil when not configured")
	}
	if snap.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not set")
	}
}

func TestGenerator_SnapshotQueueError(t *testing.T) {
	g, _, _ := newTestGenerator(t)
	g.q = &fakeQueueSource{err: errors.New("store closed")}

	if _, err := g.Snapshot(context.Background()); err == nil {
		t.Error("Snapshot() error = nil, want queue stats error")
	}
}

func TestGenerator_GenerateWritesReportAndRecord(t *testing.T) {
	g, records, _ := newTestGenerator(t)

	path, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	base := filepath.Base(path)
	if !strings.HasPrefix(base, KindOperations+"-") || !strings.HasSuffix(base, ".json") {
		t.Errorf("report file name = %q, want %s-<timestamp>.json", base, KindOperations)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if snap.SchemaVersion != SchemaVersion {
		t.Errorf("written SchemaVersion = %d, want %d", snap.SchemaVersion, SchemaVersion)
	}

	if len(records.records) != 1 {
		t.Fatalf("saved %d records, want 1", len(records.records))
	}
	record := records.records[0]
	if record.ID == "" {
		t.Error("record has no ID")
	}
	if record.Path != path {
		t.Errorf("record path = %q, want %q", record.Path, path)
	}
	if record.Kind != KindOperations {
		t.Errorf("record kind = %q, want %q", record.Kind, KindOperations)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".report-") {
			t.Errorf("leftover temp file %s", entry.Name())
		}
	}
}

func TestGenerator_GenerateRecordError(t *testing.T) {
	g, records, _ := newTestGenerator(t)
	records.err = errors.New("insert failed")

	if _, err := g.Generate(context.Background()); err == nil {
		t.Error("Generate() error = nil, want record error")
	}
}
