// Package agents tracks the worker agent fleet and assigns queued work to it.
package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/logging"
)

// ErrAgentNotFound is returned when an agent does not exist in the registry.
var ErrAgentNotFound = errors.New("agent not found")

// State represents an agent's availability.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateOffline State = "offline"
)

// Agent describes a registered worker agent.
type Agent struct {
	// ID is the unique agent identifier.
	ID string `json:"id"`
	// Name is the human-readable agent name.
	Name string `json:"name"`
	// Skills lists the skills this agent declares.
	Skills []string `json:"skills,omitempty"`
	// Capacity is the total effort (hours) the agent can hold at once.
	Capacity float64 `json:"capacity"`
	// AssignedEffort is the effort currently assigned to the agent.
	AssignedEffort float64 `json:"assigned_effort"`
	// State is the current availability state.
	State State `json:"state"`
	// LastSeen is the time of the last heartbeat.
	LastSeen time.Time `json:"last_seen"`

	RegisteredAt time.Time `json:"registered_at"`
}

// SpareCapacity returns the effort the agent can still take on.
func (a *Agent) SpareCapacity() float64 {
	spare := a.Capacity - a.AssignedEffort
	if spare < 0 {
		return 0
	}
	return spare
}

// HasSkills reports whether the agent's skill set covers all required skills.
func (a *Agent) HasSkills(required []string) bool {
	for _, need := range required {
		found := false
		for _, have := range a.Skills {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Skills = append([]string(nil), a.Skills...)
	return &c
}

// Storage persists agent records.
type Storage interface {
	UpsertAgent(agent *Agent) error
	ListAgents() ([]*Agent, error)
}

// Registry tracks registered agents and their load. It is safe for
// concurrent use.
type Registry struct {
	storage Storage

	mu     sync.RWMutex
	agents map[string]*Agent

	log *slog.Logger
}

// NewRegistry creates a registry and loads known agents from storage.
func NewRegistry(storage Storage) (*Registry, error) {
	r := &Registry{
		storage: storage,
		agents:  make(map[string]*Agent),
		log:     logging.WithComponent("agents"),
	}

	known, err := storage.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	for _, agent := range known {
		// An agent is offline until it heartbeats after our restart.
		agent.State = StateOffline
		agent.AssignedEffort = 0
		r.agents[agent.ID] = agent
	}

	return r, nil
}

// Register adds or updates an agent. A missing ID is generated.
func (r *Registry) Register(agent *Agent) (*Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}

	now := time.Now()
	agent.State = StateIdle
	agent.AssignedEffort = 0
	agent.LastSeen = now
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = now
	}

	// Re-registration must not zero out load the agent still holds, or
	// the assigner would overcommit it until the next sweep.
	r.mu.Lock()
	if existing, ok := r.agents[agent.ID]; ok {
		agent.AssignedEffort = existing.AssignedEffort
		agent.RegisteredAt = existing.RegisteredAt
		if existing.AssignedEffort > 0 {
			agent.State = existing.State
		}
	}
	r.mu.Unlock()

	if err := r.storage.UpsertAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist agent: %w", err)
	}

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()

	r.log.Info("Agent registered",
		slog.String("agent_id", agent.ID),
		slog.String("name", agent.Name),
		slog.Any("skills", agent.Skills),
		slog.Float64("capacity", agent.Capacity),
	)

	return agent.clone(), nil
}

// Heartbeat records that an agent is alive. Offline agents come back idle.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}

	agent.LastSeen = time.Now()
	if agent.State == StateOffline {
		if agent.AssignedEffort > 0 {
			agent.State = StateBusy
		} else {
			agent.State = StateIdle
		}
	}
	return nil
}

// Reserve adds effort to an agent's load when an item is assigned.
func (r *Registry) Reserve(agentID string, effort float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}

	agent.AssignedEffort += effort
	agent.State = StateBusy
	return nil
}

// ReleaseEffort removes effort from an agent's load when an item finishes
// or is released.
func (r *Registry) ReleaseEffort(agentID string, effort float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}

	agent.AssignedEffort -= effort
	if agent.AssignedEffort < 0 {
		agent.AssignedEffort = 0
	}
	if agent.State == StateBusy && agent.AssignedEffort == 0 {
		agent.State = StateIdle
	}
	return nil
}

// Get returns an agent by ID.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.clone(), nil
}

// List returns all registered agents.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		list = append(list, agent.clone())
	}
	return list
}

// Available returns agents that are online and have spare capacity.
func (r *Registry) Available() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var available []*Agent
	for _, agent := range r.agents {
		if agent.State == StateOffline {
			continue
		}
		if agent.SpareCapacity() <= 0 {
			continue
		}
		available = append(available, agent.clone())
	}
	return available
}

// Sweep marks agents that missed the heartbeat window as offline and
// returns their IDs so the caller can release their leased items.
func (r *Registry) Sweep(window time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var expired []string
	for _, agent := range r.agents {
		if agent.State == StateOffline {
			continue
		}
		if agent.LastSeen.Before(cutoff) {
			agent.State = StateOffline
			agent.AssignedEffort = 0
			expired = append(expired, agent.ID)
			r.log.Warn("Agent went offline",
				slog.String("agent_id", agent.ID),
				slog.Time("last_seen", agent.LastSeen),
			)
		}
	}
	return expired
}
