// Package store provides persistent storage for Foreman using SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/queue"
)

// Store persists work items, agents, usage events, cost samples, and report
// records. Migrations run automatically on open.
type Store struct {
	db   *sql.DB
	path string
}

// New creates a Store with a SQLite database under dataPath. The directory
// is created if missing.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "foreman.db")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: dataPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates necessary tables.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			priority INTEGER NOT NULL DEFAULT 2,
			status TEXT NOT NULL,
			skills TEXT,
			effort REAL DEFAULT 0,
			attempts INTEGER DEFAULT 0,
			not_before DATETIME,
			assigned_to TEXT,
			source_key TEXT,
			last_error TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			skills TEXT,
			capacity REAL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME,
			registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT,
			item_id TEXT,
			cost_usd REAL DEFAULT 0,
			tokens INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS cost_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			observed_at DATETIME NOT NULL,
			amount_usd REAL NOT NULL,
			source TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			generated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status)`,
		// Dedup only applies to open items: a terminal item's source key
		// may be reused by a fresh enqueue.
		`DROP INDEX IF EXISTS idx_work_items_source`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_work_items_source_open
			ON work_items(source_key)
			WHERE source_key != '' AND status NOT IN ('completed', 'dead')`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_agent ON usage_events(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_created ON usage_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_samples_observed ON cost_samples(observed_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			// ALTER-style migrations may fail when already applied.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- queue.Storage ---

// SaveItem inserts a new work item.
func (s *Store) SaveItem(item *queue.WorkItem) error {
	_, err := s.db.Exec(`
		INSERT INTO work_items
			(id, title, description, priority, status, skills, effort,
			 attempts, not_before, assigned_to, source_key, last_error,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Description, int(item.Priority),
		string(item.Status), joinSkills(item.RequiredSkills),
		item.EstimatedEffort, item.Attempts, nullTime(item.NotBefore),
		item.AssignedTo, item.SourceKey, item.LastError,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

// UpdateItem updates an existing work item.
func (s *Store) UpdateItem(item *queue.WorkItem) error {
	res, err := s.db.Exec(`
		UPDATE work_items SET
			title = ?, description = ?, priority = ?, status = ?, skills = ?,
			effort = ?, attempts = ?, not_before = ?, assigned_to = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		item.Title, item.Description, int(item.Priority), string(item.Status),
		joinSkills(item.RequiredSkills), item.EstimatedEffort, item.Attempts,
		nullTime(item.NotBefore), item.AssignedTo, item.LastError,
		item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// GetItem returns a work item by ID.
func (s *Store) GetItem(id string) (*queue.WorkItem, error) {
	row := s.db.QueryRow(itemSelect+` WHERE id = ?`, id)
	return scanItem(row)
}

// ListItems returns items with the given status, oldest first.
func (s *Store) ListItems(status queue.Status) ([]*queue.WorkItem, error) {
	rows, err := s.db.Query(itemSelect+` WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []*queue.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// FindBySourceKey returns the most recent item with the given source key.
func (s *Store) FindBySourceKey(key string) (*queue.WorkItem, error) {
	row := s.db.QueryRow(itemSelect+` WHERE source_key = ? ORDER BY created_at DESC LIMIT 1`, key)
	return scanItem(row)
}

// CountByStatus returns item counts grouped by status.
func (s *Store) CountByStatus() (map[queue.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[queue.Status(status)] = count
	}
	return counts, rows.Err()
}

const itemSelect = `
	SELECT id, title, description, priority, status, skills, effort,
	       attempts, not_before, assigned_to, source_key, last_error,
	       created_at, updated_at
	FROM work_items`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*queue.WorkItem, error) {
	var item queue.WorkItem
	var priority int
	var status, skills string
	var description, assignedTo, sourceKey, lastError sql.NullString
	var notBefore sql.NullTime

	err := row.Scan(&item.ID, &item.Title, &description, &priority, &status,
		&skills, &item.EstimatedEffort, &item.Attempts, &notBefore,
		&assignedTo, &sourceKey, &lastError, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	item.Priority = queue.Priority(priority)
	item.Status = queue.Status(status)
	item.RequiredSkills = splitSkills(skills)
	item.Description = description.String
	item.AssignedTo = assignedTo.String
	item.SourceKey = sourceKey.String
	item.LastError = lastError.String
	if notBefore.Valid {
		item.NotBefore = notBefore.Time
	}
	return &item, nil
}

// --- agents.Storage ---

// UpsertAgent inserts or replaces an agent record.
func (s *Store) UpsertAgent(agent *agents.Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, skills, capacity, state, last_seen, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			skills = excluded.skills,
			capacity = excluded.capacity,
			state = excluded.state,
			last_seen = excluded.last_seen`,
		agent.ID, agent.Name, joinSkills(agent.Skills), agent.Capacity,
		string(agent.State), agent.LastSeen, agent.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// ListAgents returns all known agents.
func (s *Store) ListAgents() ([]*agents.Agent, error) {
	rows, err := s.db.Query(`
		SELECT id, name, skills, capacity, state, last_seen, registered_at
		FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var list []*agents.Agent
	for rows.Next() {
		var agent agents.Agent
		var skills, state string
		var lastSeen sql.NullTime
		if err := rows.Scan(&agent.ID, &agent.Name, &skills, &agent.Capacity,
			&state, &lastSeen, &agent.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agent.Skills = splitSkills(skills)
		agent.State = agents.State(state)
		if lastSeen.Valid {
			agent.LastSeen = lastSeen.Time
		}
		list = append(list, &agent)
	}
	return list, rows.Err()
}

// --- helpers ---

func joinSkills(skills []string) string {
	return strings.Join(skills, ",")
}

func splitSkills(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
