package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/logging"
	"github.com/foremanhq/foreman/internal/queue"
)

// Queue is the subset of the work queue the assigner drives.
type Queue interface {
	NextReady() *queue.WorkItem
	Assign(itemID, agentID string) error
	Requeue(itemID string, delay time.Duration) error
	Release(itemID string) error
	List(status queue.Status) ([]*queue.WorkItem, error)
	DeferDelay() time.Duration
}

// AssignerConfig configures the assignment loop.
type AssignerConfig struct {
	// Interval is how often the loop looks for assignable work.
	Interval time.Duration `yaml:"interval"`
	// HeartbeatWindow is how long an agent may go silent before it is
	// considered offline and its items are released.
	HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
	// SkillWeight and CapacityWeight control candidate scoring.
	SkillWeight    float64 `yaml:"skill_weight"`
	CapacityWeight float64 `yaml:"capacity_weight"`
}

// DefaultAssignerConfig returns default assigner settings.
func DefaultAssignerConfig() *AssignerConfig {
	return &AssignerConfig{
		Interval:        5 * time.Second,
		HeartbeatWindow: 90 * time.Second,
		SkillWeight:     0.7,
		CapacityWeight:  0.3,
	}
}

// AssignedCallback is invoked after an item has been leased to an agent.
type AssignedCallback func(item *queue.WorkItem, agent *Agent)

// Assigner matches ready work items to eligible agents in a background loop.
// An agent is eligible when its skill set covers the item's required skills
// and its spare capacity covers the estimated effort. Among eligible agents
// the one maximizing a weighted score of skill specialization and spare
// capacity wins.
type Assigner struct {
	cfg        *AssignerConfig
	q          Queue
	registry   *Registry
	onAssigned AssignedCallback

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	log *slog.Logger
}

// NewAssigner creates an assigner over the given queue and registry.
func NewAssigner(cfg *AssignerConfig, q Queue, registry *Registry) *Assigner {
	if cfg == nil {
		cfg = DefaultAssignerConfig()
	}
	return &Assigner{
		cfg:      cfg,
		q:        q,
		registry: registry,
		log:      logging.WithComponent("assigner"),
	}
}

// OnAssigned sets the callback invoked after each successful assignment.
func (a *Assigner) OnAssigned(cb AssignedCallback) {
	a.onAssigned = cb
}

// Start begins the assignment loop.
func (a *Assigner) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.mu.Unlock()

	a.log.Info("Assigner started", slog.Duration("interval", a.cfg.Interval))
	go a.run(ctx)
}

// Stop stops the assignment loop and waits for it to exit.
func (a *Assigner) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	done := a.doneCh
	a.mu.Unlock()

	<-done
	a.log.Info("Assigner stopped")
}

func (a *Assigner) run(ctx context.Context) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweepOffline()
			a.assignPass()
		}
	}
}

// assignPass drains ready items until none is left or no agent is eligible.
func (a *Assigner) assignPass() {
	for {
		item := a.q.NextReady()
		if item == nil {
			return
		}
		if !a.tryAssign(item) {
			// Nobody can take it right now. Defer instead of spinning.
			if err := a.q.Requeue(item.ID, a.q.DeferDelay()); err != nil {
				a.log.Error("Failed to requeue item",
					slog.String("item_id", item.ID),
					slog.Any("error", err),
				)
			}
			return
		}
	}
}

// tryAssign finds the best eligible agent for the item and leases it.
func (a *Assigner) tryAssign(item *queue.WorkItem) bool {
	best := a.pick(item)
	if best == nil {
		return false
	}

	if err := a.q.Assign(item.ID, best.ID); err != nil {
		a.log.Error("Failed to assign item",
			slog.String("item_id", item.ID),
			slog.String("agent_id", best.ID),
			slog.Any("error", err),
		)
		return false
	}
	if err := a.registry.Reserve(best.ID, item.EstimatedEffort); err != nil {
		a.log.Error("Failed to reserve agent capacity",
			slog.String("agent_id", best.ID),
			slog.Any("error", err),
		)
	}

	a.log.Info("Item matched to agent",
		slog.String("item_id", item.ID),
		slog.String("agent_id", best.ID),
		slog.String("priority", item.Priority.String()),
	)

	if a.onAssigned != nil {
		a.onAssigned(item, best)
	}
	return true
}

// pick returns the eligible agent with the highest score, or nil.
func (a *Assigner) pick(item *queue.WorkItem) *Agent {
	var best *Agent
	var bestScore float64

	for _, agent := range a.registry.Available() {
		if !agent.HasSkills(item.RequiredSkills) {
			continue
		}
		if agent.SpareCapacity() < item.EstimatedEffort {
			continue
		}

		score := a.score(agent, item)
		if best == nil || score > bestScore {
			best = agent
			bestScore = score
		}
	}
	return best
}

// score rates an eligible agent for an item. Specialization favors agents
// whose skill set is close to exactly what the item needs; spare capacity
// favors the least loaded agent.
func (a *Assigner) score(agent *Agent, item *queue.WorkItem) float64 {
	specialization := 1.0
	if len(agent.Skills) > 0 {
		specialization = float64(len(item.RequiredSkills)) / float64(len(agent.Skills))
	}

	spare := 0.0
	if agent.Capacity > 0 {
		spare = agent.SpareCapacity() / agent.Capacity
	}

	return a.cfg.SkillWeight*specialization + a.cfg.CapacityWeight*spare
}

// sweepOffline marks silent agents offline and releases their leased items.
func (a *Assigner) sweepOffline() {
	expired := a.registry.Sweep(a.cfg.HeartbeatWindow)
	if len(expired) == 0 {
		return
	}

	offline := make(map[string]bool, len(expired))
	for _, id := range expired {
		offline[id] = true
	}

	for _, status := range []queue.Status{queue.StatusAssigned, queue.StatusRunning} {
		items, err := a.q.List(status)
		if err != nil {
			a.log.Error("Failed to list leased items", slog.Any("error", err))
			continue
		}
		for _, item := range items {
			if !offline[item.AssignedTo] {
				continue
			}
			if err := a.q.Release(item.ID); err != nil {
				a.log.Error("Failed to release orphaned item",
					slog.String("item_id", item.ID),
					slog.Any("error", err),
				)
			}
		}
	}
}
