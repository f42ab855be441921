package store

import (
	"errors"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/queue"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(id string) *queue.WorkItem {
	now := time.Now()
	return &queue.WorkItem{
		ID:              id,
		Title:           "Test item " + id,
		Description:     "details",
		Priority:        queue.P1,
		Status:          queue.StatusPending,
		RequiredSkills:  []string{"go", "sql"},
		EstimatedEffort: 2.5,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestStore_SaveAndGetItem(t *testing.T) {
	s := newTestStore(t)

	item := testItem("item-1")
	item.SourceKey = "github:acme/app#7"
	if err := s.SaveItem(item); err != nil {
		t.Fatalf("SaveItem() error = %v", err)
	}

	got, err := s.GetItem("item-1")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if got.Title != item.Title {
		t.Errorf("Title = %q, want %q", got.Title, item.Title)
	}
	if got.Priority != queue.P1 {
		t.Errorf("Priority = %v, want P1", got.Priority)
	}
	if len(got.RequiredSkills) != 2 || got.RequiredSkills[0] != "go" {
		t.Errorf("RequiredSkills = %v, want [go sql]", got.RequiredSkills)
	}
	if got.SourceKey != item.SourceKey {
		t.Errorf("SourceKey = %q, want %q", got.SourceKey, item.SourceKey)
	}
	if !got.NotBefore.IsZero() {
		t.Errorf("NotBefore = %v, want zero", got.NotBefore)
	}

	if _, err := s.GetItem("missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("GetItem(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateItem(t *testing.T) {
	s := newTestStore(t)

	item := testItem("item-1")
	if err := s.SaveItem(item); err != nil {
		t.Fatalf("SaveItem() error = %v", err)
	}

	item.Status = queue.StatusRunning
	item.AssignedTo = "agent-1"
	item.Attempts = 1
	item.NotBefore = time.Now().Add(time.Minute)
	if err := s.UpdateItem(item); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}

	got, _ := s.GetItem("item-1")
	if got.Status != queue.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.AssignedTo != "agent-1" {
		t.Errorf("AssignedTo = %q, want agent-1", got.AssignedTo)
	}
	if got.NotBefore.IsZero() {
		t.Error("NotBefore not persisted")
	}

	missing := testItem("missing")
	if err := s.UpdateItem(missing); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("UpdateItem(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListItemsAndCounts(t *testing.T) {
	s := newTestStore(t)

	a := testItem("item-a")
	b := testItem("item-b")
	c := testItem("item-c")
	c.Status = queue.StatusDead
	for _, item := range []*queue.WorkItem{a, b, c} {
		if err := s.SaveItem(item); err != nil {
			t.Fatalf("SaveItem(%s) error = %v", item.ID, err)
		}
	}

	pending, err := s.ListItems(queue.StatusPending)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("ListItems(pending) returned %d items, want 2", len(pending))
	}

	counts, err := s.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[queue.StatusPending] != 2 || counts[queue.StatusDead] != 1 {
		t.Errorf("CountByStatus() = %v, want pending:2 dead:1", counts)
	}
}

func TestStore_FindBySourceKey(t *testing.T) {
	s := newTestStore(t)

	item := testItem("item-1")
	item.SourceKey = "github:acme/app#42"
	s.SaveItem(item)

	got, err := s.FindBySourceKey("github:acme/app#42")
	if err != nil {
		t.Fatalf("FindBySourceKey() error = %v", err)
	}
	if got.ID != "item-1" {
		t.Errorf("FindBySourceKey() = %s, want item-1", got.ID)
	}

	if _, err := s.FindBySourceKey("github:acme/app#999"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("FindBySourceKey(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestStore_SourceKeyUnique(t *testing.T) {
	s := newTestStore(t)

	first := testItem("item-1")
	first.SourceKey = "github:acme/app#1"
	if err := s.SaveItem(first); err != nil {
		t.Fatalf("SaveItem() error = %v", err)
	}

	dup := testItem("item-2")
	dup.SourceKey = "github:acme/app#1"
	if err := s.SaveItem(dup); err == nil {
		t.Error("SaveItem() with duplicate source key succeeded, want constraint error")
	}

	// Items without a source key are never deduplicated.
	blankA := testItem("item-3")
	blankB := testItem("item-4")
	if err := s.SaveItem(blankA); err != nil {
		t.Fatalf("SaveItem(blankA) error = %v", err)
	}
	if err := s.SaveItem(blankB); err != nil {
		t.Errorf("SaveItem(blankB) error = %v, want nil", err)
	}
}

func TestStore_SourceKeyReusableAfterTerminal(t *testing.T) {
	s := newTestStore(t)

	first := testItem("item-1")
	first.SourceKey = "github:acme/app#1"
	if err := s.SaveItem(first); err != nil {
		t.Fatalf("SaveItem() error = %v", err)
	}

	first.Status = queue.StatusCompleted
	if err := s.UpdateItem(first); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}

	second := testItem("item-2")
	second.SourceKey = "github:acme/app#1"
	if err := s.SaveItem(second); err != nil {
		t.Errorf("SaveItem() after completion error = %v, want nil", err)
	}

	second.Status = queue.StatusDead
	if err := s.UpdateItem(second); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}

	third := testItem("item-3")
	third.SourceKey = "github:acme/app#1"
	if err := s.SaveItem(third); err != nil {
		t.Errorf("SaveItem() after dead-letter error = %v, want nil", err)
	}
}

// Runs the queue manager against the real store rather than a fake, so
// persistence constraints are exercised end to end.
func TestManagerWithStore_SourceKeyLifecycle(t *testing.T) {
	s := newTestStore(t)

	m, err := queue.NewManager(queue.DefaultConfig(), s)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	item, created, err := m.Enqueue(&queue.WorkItem{
		Title:     "Investigate spend spike",
		Priority:  queue.P1,
		SourceKey: "github:acme/app#12",
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !created {
		t.Fatal("Enqueue() created = false, want true")
	}

	// A second enqueue while the item is open dedups to the existing item.
	dup, created, err := m.Enqueue(&queue.WorkItem{
		Title:     "Investigate spend spike",
		Priority:  queue.P1,
		SourceKey: "github:acme/app#12",
	})
	if err != nil {
		t.Fatalf("Enqueue(dup) error = %v", err)
	}
	if created || dup.ID != item.ID {
		t.Errorf("Enqueue(dup) = (%s, %v), want (%s, false)", dup.ID, created, item.ID)
	}

	if err := m.Assign(item.ID, "agent-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := m.Start(item.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Complete(item.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// The key is free again once its item is terminal.
	fresh, created, err := m.Enqueue(&queue.WorkItem{
		Title:     "Investigate spend spike",
		Priority:  queue.P1,
		SourceKey: "github:acme/app#12",
	})
	if err != nil {
		t.Fatalf("Enqueue() after completion error = %v", err)
	}
	if !created {
		t.Error("Enqueue() after completion created = false, want true")
	}
	if fresh.ID == item.ID {
		t.Error("Enqueue() after completion returned the completed item")
	}
}

func TestStore_UpsertAndListAgents(t *testing.T) {
	s := newTestStore(t)

	agent := &agents.Agent{
		ID:           "agent-1",
		Name:         "builder",
		Skills:       []string{"go"},
		Capacity:     4,
		State:        agents.StateIdle,
		LastSeen:     time.Now(),
		RegisteredAt: time.Now(),
	}
	if err := s.UpsertAgent(agent); err != nil {
		t.Fatalf("UpsertAgent() error = %v", err)
	}

	agent.Capacity = 8
	agent.State = agents.StateBusy
	if err := s.UpsertAgent(agent); err != nil {
		t.Fatalf("UpsertAgent() update error = %v", err)
	}

	list, err := s.ListAgents()
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListAgents() returned %d agents, want 1", len(list))
	}
	if list[0].Capacity != 8 {
		t.Errorf("Capacity = %v, want 8", list[0].Capacity)
	}
	if list[0].State != agents.StateBusy {
		t.Errorf("State = %s, want busy", list[0].State)
	}
}

func TestStore_UsageSummary(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	events := []*UsageEvent{
		{AgentID: "agent-1", ItemID: "item-1", CostUSD: 1.5, Tokens: 1000, CreatedAt: now.Add(-time.Hour)},
		{AgentID: "agent-1", ItemID: "item-2", CostUSD: 2.5, Tokens: 2000, CreatedAt: now.Add(-30 * time.Minute)},
		{AgentID: "agent-2", ItemID: "item-3", CostUSD: 4.0, Tokens: 500, CreatedAt: now.Add(-10 * time.Minute)},
		{AgentID: "agent-1", ItemID: "item-4", CostUSD: 9.0, Tokens: 100, CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, event := range events {
		if err := s.RecordUsage(event); err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
	}

	summary, err := s.GetUsageSummary(UsageQuery{Start: now.Add(-2 * time.Hour), End: now})
	if err != nil {
		t.Fatalf("GetUsageSummary() error = %v", err)
	}
	if summary.TotalCost != 8.0 {
		t.Errorf("TotalCost = %v, want 8.0", summary.TotalCost)
	}
	if summary.EventCount != 3 {
		t.Errorf("EventCount = %d, want 3", summary.EventCount)
	}

	byAgent, err := s.GetUsageSummary(UsageQuery{AgentID: "agent-1", Start: now.Add(-2 * time.Hour), End: now})
	if err != nil {
		t.Fatalf("GetUsageSummary(agent) error = %v", err)
	}
	if byAgent.TotalCost != 4.0 {
		t.Errorf("agent TotalCost = %v, want 4.0", byAgent.TotalCost)
	}
	if byAgent.TotalTokens != 3000 {
		t.Errorf("agent TotalTokens = %d, want 3000", byAgent.TotalTokens)
	}
}

func TestStore_CostSamples(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	samples := []*CostSample{
		{ObservedAt: now.Add(-2 * time.Hour), AmountUSD: 10.0, Source: "aws"},
		{ObservedAt: now.Add(-30 * time.Minute), AmountUSD: 12.5, Source: "aws"},
		{ObservedAt: now.Add(-5 * time.Minute), AmountUSD: 13.0, Source: "aws"},
	}
	for _, sample := range samples {
		if err := s.RecordCostSample(sample); err != nil {
			t.Fatalf("RecordCostSample() error = %v", err)
		}
	}

	recent, err := s.RecentCostSamples(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentCostSamples() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentCostSamples() returned %d samples, want 2", len(recent))
	}
	if recent[0].AmountUSD != 12.5 || recent[1].AmountUSD != 13.0 {
		t.Errorf("samples out of order: %v, %v", recent[0].AmountUSD, recent[1].AmountUSD)
	}
}

func TestStore_Reports(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	records := []*ReportRecord{
		{Kind: "operations", Path: "/tmp/a.json", SchemaVersion: 2, GeneratedAt: now.Add(-time.Hour)},
		{Kind: "operations", Path: "/tmp/b.json", SchemaVersion: 2, GeneratedAt: now},
		{Kind: "audit", Path: "/tmp/c.json", SchemaVersion: 1, GeneratedAt: now},
	}
	for _, record := range records {
		if err := s.SaveReport(record); err != nil {
			t.Fatalf("SaveReport() error = %v", err)
		}
	}

	ops, err := s.ListReports("operations", 10)
	if err != nil {
		t.Fatalf("ListReports() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ListReports(operations) returned %d, want 2", len(ops))
	}
	if ops[0].Path != "/tmp/b.json" {
		t.Errorf("newest report = %s, want /tmp/b.json", ops[0].Path)
	}

	all, err := s.ListReports("", 2)
	if err != nil {
		t.Fatalf("ListReports(all) error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListReports with limit returned %d, want 2", len(all))
	}
}
