package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/logging"
)

var (
	// ErrNotFound is returned when a work item does not exist.
	ErrNotFound = errors.New("work item not found")
	// ErrAlreadyLeased is returned when assigning an item that is not available.
	ErrAlreadyLeased = errors.New("work item already leased")
	// ErrQueuePaused is returned when assignment is attempted on a paused queue.
	ErrQueuePaused = errors.New("queue is paused")
	// ErrTerminal is returned on transitions out of a final state.
	ErrTerminal = errors.New("work item is in a terminal state")
)

// Storage persists work items. The manager never considers a state change
// applied until storage has accepted it.
type Storage interface {
	SaveItem(item *WorkItem) error
	UpdateItem(item *WorkItem) error
	GetItem(id string) (*WorkItem, error)
	ListItems(status Status) ([]*WorkItem, error)
	FindBySourceKey(key string) (*WorkItem, error)
	CountByStatus() (map[Status]int, error)
}

// Config holds queue tuning parameters.
type Config struct {
	// MaxAttempts is the number of execution attempts before dead-lettering.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseBackoff is the first retry delay; doubles per attempt.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// DeferDelay is how long an item waits when no agent is eligible.
	DeferDelay time.Duration `yaml:"defer_delay"`
}

// DefaultConfig returns default queue settings.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  30 * time.Minute,
		DeferDelay:  15 * time.Second,
	}
}

// Stats is a point-in-time summary of queue state.
type Stats struct {
	Pending   int    `json:"pending"`
	Assigned  int    `json:"assigned"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Retrying  int    `json:"retrying"`
	Dead      int    `json:"dead"`
	Depth     int    `json:"depth"`
	Paused    bool   `json:"paused"`
	PauseNote string `json:"pause_note,omitempty"`
}

// Manager is the durable priority work queue. All mutations are serialized
// through its mutex and written to storage before becoming observable.
type Manager struct {
	cfg     *Config
	storage Storage

	mu          sync.Mutex
	heap        itemHeap
	items       map[string]*WorkItem // non-terminal items
	seq         uint64
	paused      bool
	pauseReason string

	log *slog.Logger
}

// NewManager creates a work queue backed by storage and recovers state:
// pending and retrying items are re-indexed, and items that were assigned or
// running when the previous process died are released back to pending.
func NewManager(cfg *Config, storage Storage) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Manager{
		cfg:     cfg,
		storage: storage,
		items:   make(map[string]*WorkItem),
		log:     logging.WithComponent("queue"),
	}

	if err := m.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover queue state: %w", err)
	}

	return m, nil
}

// recover rebuilds the in-memory index from storage.
func (m *Manager) recover() error {
	var open []*WorkItem

	for _, status := range []Status{StatusPending, StatusFailed} {
		items, err := m.storage.ListItems(status)
		if err != nil {
			return err
		}
		open = append(open, items...)
	}

	// Orphaned leases: the process died while these were in flight.
	orphaned := 0
	for _, status := range []Status{StatusAssigned, StatusRunning} {
		items, err := m.storage.ListItems(status)
		if err != nil {
			return err
		}
		for _, item := range items {
			item.Status = StatusPending
			item.AssignedTo = ""
			item.UpdatedAt = time.Now()
			if err := m.storage.UpdateItem(item); err != nil {
				return err
			}
			open = append(open, item)
			orphaned++
		}
	}

	// Re-number in creation order so FIFO survives restart.
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	for _, item := range open {
		m.seq++
		item.seq = m.seq
		m.items[item.ID] = item
		m.heap = append(m.heap, item)
	}
	heap.Init(&m.heap)

	if len(open) > 0 || orphaned > 0 {
		m.log.Info("Queue recovered",
			slog.Int("open_items", len(open)),
			slog.Int("released_orphans", orphaned),
		)
	}

	return nil
}

// Enqueue adds a work item to the queue. If the item carries a SourceKey and
// an open item with the same key already exists, the existing item is
// returned and created is false.
func (m *Manager) Enqueue(item *WorkItem) (result *WorkItem, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.SourceKey != "" {
		existing, err := m.storage.FindBySourceKey(item.SourceKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("failed to check source key: %w", err)
		}
		if existing != nil && !existing.Terminal() {
			return existing, false, nil
		}
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now()
	item.Status = StatusPending
	item.Attempts = 0
	item.AssignedTo = ""
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := m.storage.SaveItem(item); err != nil {
		return nil, false, fmt.Errorf("failed to persist work item: %w", err)
	}

	m.seq++
	item.seq = m.seq
	m.items[item.ID] = item
	heap.Push(&m.heap, item)

	m.log.Info("Work item enqueued",
		slog.String("item_id", item.ID),
		slog.String("priority", item.Priority.String()),
		slog.String("title", item.Title),
	)

	return item.clone(), true, nil
}

// NextReady pops the highest-priority item that is eligible for assignment.
// The caller must follow up with Assign or Requeue. Returns nil when the
// queue is paused or no item is ready.
func (m *Manager) NextReady() *WorkItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return nil
	}

	now := time.Now()
	var skipped []*WorkItem
	var found *WorkItem

	for m.heap.Len() > 0 {
		item := heap.Pop(&m.heap).(*WorkItem)
		if item.Ready(now) {
			found = item
			break
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&m.heap, item)
	}

	if found == nil {
		return nil
	}
	return found.clone()
}

// Requeue returns an item popped by NextReady to the heap after delay.
// It does not count as a failed attempt.
func (m *Manager) Requeue(itemID string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}

	item.NotBefore = time.Now().Add(delay)
	item.UpdatedAt = time.Now()
	if err := m.storage.UpdateItem(item); err != nil {
		return fmt.Errorf("failed to persist requeue: %w", err)
	}

	heap.Push(&m.heap, item)
	return nil
}

// Assign leases an item popped by NextReady to an agent.
func (m *Manager) Assign(itemID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if item.AssignedTo != "" || (item.Status != StatusPending && item.Status != StatusFailed) {
		return ErrAlreadyLeased
	}

	updated := *item
	updated.Status = StatusAssigned
	updated.AssignedTo = agentID
	updated.UpdatedAt = time.Now()
	if err := m.storage.UpdateItem(&updated); err != nil {
		return fmt.Errorf("failed to persist assignment: %w", err)
	}
	*item = updated

	m.log.Info("Work item assigned",
		slog.String("item_id", itemID),
		slog.String("agent_id", agentID),
	)
	return nil
}

// Start marks an assigned item as running.
func (m *Manager) Start(itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if item.Status != StatusAssigned {
		return fmt.Errorf("cannot start item in state %s", item.Status)
	}

	updated := *item
	updated.Status = StatusRunning
	updated.Attempts++
	updated.UpdatedAt = time.Now()
	if err := m.storage.UpdateItem(&updated); err != nil {
		return fmt.Errorf("failed to persist start: %w", err)
	}
	*item = updated

	return nil
}

// Complete marks a running item as completed and drops it from the index.
func (m *Manager) Complete(itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if item.Terminal() {
		return ErrTerminal
	}

	updated := *item
	updated.Status = StatusCompleted
	updated.UpdatedAt = time.Now()
	if err := m.storage.UpdateItem(&updated); err != nil {
		return fmt.Errorf("failed to persist completion: %w", err)
	}

	delete(m.items, itemID)
	m.log.Info("Work item completed", slog.String("item_id", itemID))
	return nil
}

// Fail records a failed attempt. The item is scheduled for retry with
// exponential backoff, or dead-lettered once MaxAttempts is exhausted.
func (m *Manager) Fail(itemID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if item.Terminal() {
		return ErrTerminal
	}

	updated := *item
	updated.LastError = reason
	updated.AssignedTo = ""
	updated.UpdatedAt = time.Now()

	if updated.Attempts >= m.cfg.MaxAttempts {
		updated.Status = StatusDead
		if err := m.storage.UpdateItem(&updated); err != nil {
			return fmt.Errorf("failed to persist dead-letter: %w", err)
		}
		delete(m.items, itemID)
		m.log.Warn("Work item dead-lettered",
			slog.String("item_id", itemID),
			slog.Int("attempts", updated.Attempts),
			slog.String("reason", reason),
		)
		return nil
	}

	delay := m.backoff(updated.Attempts)
	updated.Status = StatusFailed
	updated.NotBefore = time.Now().Add(delay)
	if err := m.storage.UpdateItem(&updated); err != nil {
		return fmt.Errorf("failed to persist retry: %w", err)
	}
	*item = updated
	heap.Push(&m.heap, item)

	m.log.Info("Work item scheduled for retry",
		slog.String("item_id", itemID),
		slog.Int("attempts", updated.Attempts),
		slog.Duration("backoff", delay),
		slog.String("reason", reason),
	)
	return nil
}

// Release returns an in-flight item to pending without counting an attempt.
// Used when the holding agent goes offline.
func (m *Manager) Release(itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if item.Status != StatusAssigned && item.Status != StatusRunning {
		return fmt.Errorf("cannot release item in state %s", item.Status)
	}

	updated := *item
	updated.Status = StatusPending
	updated.AssignedTo = ""
	updated.NotBefore = time.Time{}
	updated.UpdatedAt = time.Now()
	if err := m.storage.UpdateItem(&updated); err != nil {
		return fmt.Errorf("failed to persist release: %w", err)
	}
	*item = updated
	heap.Push(&m.heap, item)

	m.log.Info("Work item released", slog.String("item_id", itemID))
	return nil
}

// Get returns a work item by ID, consulting storage for terminal items.
func (m *Manager) Get(itemID string) (*WorkItem, error) {
	m.mu.Lock()
	if item, ok := m.items[itemID]; ok {
		defer m.mu.Unlock()
		return item.clone(), nil
	}
	m.mu.Unlock()

	return m.storage.GetItem(itemID)
}

// List returns items with the given status from storage.
func (m *Manager) List(status Status) ([]*WorkItem, error) {
	return m.storage.ListItems(status)
}

// Pause stops assignment of new items. Enqueue is still accepted.
func (m *Manager) Pause(reason string) {
	m.mu.Lock()
	m.paused = true
	m.pauseReason = reason
	m.mu.Unlock()

	m.log.Warn("Queue paused", slog.String("reason", reason))
}

// Resume re-enables assignment.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.pauseReason = ""
	m.mu.Unlock()

	m.log.Info("Queue resumed")
}

// IsPaused reports whether assignment is paused.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// DeferDelay returns the configured wait applied when no agent is eligible.
func (m *Manager) DeferDelay() time.Duration {
	return m.cfg.DeferDelay
}

// Stats returns a snapshot of queue counters.
func (m *Manager) Stats() (*Stats, error) {
	counts, err := m.storage.CountByStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return &Stats{
		Pending:   counts[StatusPending],
		Assigned:  counts[StatusAssigned],
		Running:   counts[StatusRunning],
		Completed: counts[StatusCompleted],
		Retrying:  counts[StatusFailed],
		Dead:      counts[StatusDead],
		Depth:     m.heap.Len(),
		Paused:    m.paused,
		PauseNote: m.pauseReason,
	}, nil
}

// backoff computes the retry delay for the given attempt count:
// base doubled per attempt, capped, with up to 20% jitter.
func (m *Manager) backoff(attempts int) time.Duration {
	delay := m.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.cfg.MaxBackoff {
			delay = m.cfg.MaxBackoff
			break
		}
	}
	if jitter := int64(delay / 5); jitter > 0 {
		delay += time.Duration(rand.Int63n(jitter))
	}
	if delay > m.cfg.MaxBackoff {
		delay = m.cfg.MaxBackoff
	}
	return delay
}
