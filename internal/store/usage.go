package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageEvent records cost incurred by an agent working an item.
type UsageEvent struct {
	ID        string
	AgentID   string
	ItemID    string
	CostUSD   float64
	Tokens    int64
	CreatedAt time.Time
}

// UsageQuery holds parameters for querying usage.
type UsageQuery struct {
	AgentID string
	Start   time.Time
	End     time.Time
}

// UsageSummary holds aggregated usage for a period.
type UsageSummary struct {
	TotalCost   float64
	TotalTokens int64
	EventCount  int
	Start       time.Time
	End         time.Time
}

// RecordUsage saves a usage event.
func (s *Store) RecordUsage(event *UsageEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO usage_events (id, agent_id, item_id, cost_usd, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.AgentID, event.ItemID, event.CostUSD, event.Tokens,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	return nil
}

// GetUsageSummary returns aggregated usage over the query window.
func (s *Store) GetUsageSummary(query UsageQuery) (*UsageSummary, error) {
	summary := &UsageSummary{Start: query.Start, End: query.End}

	sqlQuery := `
		SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(tokens), 0), COUNT(*)
		FROM usage_events
		WHERE created_at >= ? AND created_at <= ?`
	args := []any{query.Start, query.End}

	if query.AgentID != "" {
		sqlQuery += ` AND agent_id = ?`
		args = append(args, query.AgentID)
	}

	row := s.db.QueryRow(sqlQuery, args...)
	if err := row.Scan(&summary.TotalCost, &summary.TotalTokens, &summary.EventCount); err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return summary, nil
}

// CostSample is one observed cloud spend reading.
type CostSample struct {
	ObservedAt time.Time
	AmountUSD  float64
	Source     string
}

// RecordCostSample persists a cost reading.
func (s *Store) RecordCostSample(sample *CostSample) error {
	_, err := s.db.Exec(`
		INSERT INTO cost_samples (observed_at, amount_usd, source)
		VALUES (?, ?, ?)`,
		sample.ObservedAt, sample.AmountUSD, sample.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to record cost sample: %w", err)
	}
	return nil
}

// RecentCostSamples returns samples observed since cutoff, oldest first.
func (s *Store) RecentCostSamples(cutoff time.Time) ([]*CostSample, error) {
	rows, err := s.db.Query(`
		SELECT observed_at, amount_usd, COALESCE(source, '')
		FROM cost_samples
		WHERE observed_at >= ?
		ORDER BY observed_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost samples: %w", err)
	}
	defer rows.Close()

	var samples []*CostSample
	for rows.Next() {
		var sample CostSample
		if err := rows.Scan(&sample.ObservedAt, &sample.AmountUSD, &sample.Source); err != nil {
			return nil, fmt.Errorf("failed to scan cost sample: %w", err)
		}
		samples = append(samples, &sample)
	}
	return samples, rows.Err()
}

// ReportRecord tracks a generated snapshot report on disk.
type ReportRecord struct {
	ID            string
	Kind          string
	Path          string
	SchemaVersion int
	GeneratedAt   time.Time
}

// SaveReport records a generated report.
func (s *Store) SaveReport(record *ReportRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.GeneratedAt.IsZero() {
		record.GeneratedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO reports (id, kind, path, schema_version, generated_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.Kind, record.Path, record.SchemaVersion,
		record.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report record: %w", err)
	}
	return nil
}

// ListReports returns report records of the given kind, newest first.
// An empty kind returns all reports.
func (s *Store) ListReports(kind string, limit int) ([]*ReportRecord, error) {
	sqlQuery := `
		SELECT id, kind, path, schema_version, generated_at
		FROM reports`
	var args []any
	if kind != "" {
		sqlQuery += ` WHERE kind = ?`
		args = append(args, kind)
	}
	sqlQuery += ` ORDER BY generated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var records []*ReportRecord
	for rows.Next() {
		var record ReportRecord
		if err := rows.Scan(&record.ID, &record.Kind, &record.Path,
			&record.SchemaVersion, &record.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report record: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
