package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/logging"
	"github.com/foremanhq/foreman/internal/store"
)

// UsageProvider supplies aggregated spend data.
type UsageProvider interface {
	GetUsageSummary(query store.UsageQuery) (*store.UsageSummary, error)
}

// AlertCallback is called when budget thresholds are crossed.
type AlertCallback func(alertType string, message string, severity string)

// Enforcer checks and enforces budget limits.
type Enforcer struct {
	provider UsageProvider
	onAlert  AlertCallback

	mu           sync.RWMutex
	config       *Config
	paused       bool
	pauseReason  string
	blockedItems int
	lastStatus   *Status

	log *slog.Logger
}

// NewEnforcer creates a budget enforcer.
func NewEnforcer(config *Config, provider UsageProvider) *Enforcer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Enforcer{
		config:   config,
		provider: provider,
		log:      logging.WithComponent("budget"),
	}
}

// OnAlert sets the alert callback.
func (e *Enforcer) OnAlert(callback AlertCallback) {
	e.onAlert = callback
}

// CheckBudget decides whether new work may be assigned.
func (e *Enforcer) CheckBudget(ctx context.Context) (*CheckResult, error) {
	e.mu.RLock()
	enabled := e.config.Enabled
	paused := e.paused
	pauseReason := e.pauseReason
	e.mu.RUnlock()

	if !enabled {
		return &CheckResult{Allowed: true}, nil
	}
	if paused {
		return &CheckResult{
			Allowed: false,
			Action:  ActionPause,
			Reason:  pauseReason,
		}, nil
	}

	status, err := e.GetStatus(ctx)
	if err != nil {
		// On error, allow work but log the failure.
		e.log.Error("Failed to get budget status", slog.Any("error", err))
		return &CheckResult{Allowed: true}, nil
	}

	// Monthly limit first: it is the more severe breach.
	if status.MonthlyPercent >= 100 {
		action := e.config.OnExceed.Monthly
		if action == ActionStop || action == ActionPause {
			e.incrementBlocked()
			return &CheckResult{
				Allowed:     false,
				Action:      action,
				Reason:      fmt.Sprintf("Monthly budget exceeded: $%.2f / $%.2f", status.MonthlySpent, status.MonthlyLimit),
				DailyLeft:   status.DailyLimit - status.DailySpent,
				MonthlyLeft: 0,
			}, nil
		}
	}

	if status.DailyPercent >= 100 {
		action := e.config.OnExceed.Daily
		if action == ActionStop || action == ActionPause {
			e.incrementBlocked()
			return &CheckResult{
				Allowed:     false,
				Action:      action,
				Reason:      fmt.Sprintf("Daily budget exceeded: $%.2f / $%.2f", status.DailySpent, status.DailyLimit),
				DailyLeft:   0,
				MonthlyLeft: status.MonthlyLimit - status.MonthlySpent,
			}, nil
		}
	}

	if status.IsWarning(e.config.Thresholds.WarnPercent) {
		e.fireAlert(status)
	}

	return &CheckResult{
		Allowed:     true,
		DailyLeft:   status.DailyLimit - status.DailySpent,
		MonthlyLeft: status.MonthlyLimit - status.MonthlySpent,
	}, nil
}

// GetStatus returns the current budget status.
func (e *Enforcer) GetStatus(ctx context.Context) (*Status, error) {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.Local)

	dailySummary, err := e.provider.GetUsageSummary(store.UsageQuery{Start: dayStart, End: now})
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}

	monthlySummary, err := e.provider.GetUsageSummary(store.UsageQuery{Start: monthStart, End: now})
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}

	e.mu.RLock()
	config := e.config
	paused := e.paused
	pauseReason := e.pauseReason
	blockedItems := e.blockedItems
	e.mu.RUnlock()

	status := &Status{
		DailySpent:   dailySummary.TotalCost,
		DailyLimit:   config.DailyLimit,
		MonthlySpent: monthlySummary.TotalCost,
		MonthlyLimit: config.MonthlyLimit,
		IsPaused:     paused,
		PauseReason:  pauseReason,
		BlockedItems: blockedItems,
		LastUpdated:  now,
	}
	if config.DailyLimit > 0 {
		status.DailyPercent = (dailySummary.TotalCost / config.DailyLimit) * 100
	}
	if config.MonthlyLimit > 0 {
		status.MonthlyPercent = (monthlySummary.TotalCost / config.MonthlyLimit) * 100
	}

	e.mu.Lock()
	e.lastStatus = status
	e.mu.Unlock()

	return status, nil
}

// Pause pauses assignment of new work.
func (e *Enforcer) Pause(reason string) {
	e.mu.Lock()
	e.paused = true
	e.pauseReason = reason
	e.mu.Unlock()

	e.log.Warn("Budget enforcement paused new work", slog.String("reason", reason))
}

// Resume resumes assignment.
func (e *Enforcer) Resume() {
	e.mu.Lock()
	e.paused = false
	e.pauseReason = ""
	e.blockedItems = 0
	e.mu.Unlock()

	e.log.Info("Budget enforcement resumed")
}

// IsPaused reports whether new work is paused.
func (e *Enforcer) IsPaused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// ResetDaily resets the blocked counter and clears daily pauses.
// Called by the scheduler at day start. Monthly pauses are not cleared.
func (e *Enforcer) ResetDaily() {
	e.mu.Lock()
	e.blockedItems = 0
	if e.paused && strings.HasPrefix(e.pauseReason, "Daily budget exceeded") {
		e.paused = false
		e.pauseReason = ""
	}
	e.mu.Unlock()

	e.log.Info("Daily budget counters reset")
}

// UpdateConfig swaps the enforcer configuration.
func (e *Enforcer) UpdateConfig(config *Config) {
	e.mu.Lock()
	e.config = config
	e.mu.Unlock()

	e.log.Info("Budget configuration updated",
		slog.Bool("enabled", config.Enabled),
		slog.Float64("daily_limit", config.DailyLimit),
		slog.Float64("monthly_limit", config.MonthlyLimit),
	)
}

// GetConfig returns the current configuration.
func (e *Enforcer) GetConfig() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

func (e *Enforcer) incrementBlocked() {
	e.mu.Lock()
	e.blockedItems++
	e.mu.Unlock()
}

func (e *Enforcer) fireAlert(status *Status) {
	if e.onAlert == nil {
		return
	}

	warnPercent := e.GetConfig().Thresholds.WarnPercent

	if status.DailyPercent >= warnPercent && status.DailyPercent < 100 {
		e.onAlert(
			"daily_budget_warning",
			fmt.Sprintf("Daily budget at %.0f%%: $%.2f / $%.2f", status.DailyPercent, status.DailySpent, status.DailyLimit),
			"warning",
		)
	}
	if status.MonthlyPercent >= warnPercent && status.MonthlyPercent < 100 {
		e.onAlert(
			"monthly_budget_warning",
			fmt.Sprintf("Monthly budget at %.0f%%: $%.2f / $%.2f", status.MonthlyPercent, status.MonthlySpent, status.MonthlyLimit),
			"warning",
		)
	}
	if status.DailyPercent >= 100 {
		e.onAlert(
			"daily_budget_exceeded",
			fmt.Sprintf("Daily budget exceeded: $%.2f / $%.2f", status.DailySpent, status.DailyLimit),
			"critical",
		)
	}
	if status.MonthlyPercent >= 100 {
		e.onAlert(
			"monthly_budget_exceeded",
			fmt.Sprintf("Monthly budget exceeded: $%.2f / $%.2f", status.MonthlySpent, status.MonthlyLimit),
			"critical",
		)
	}
}
