// Package budget enforces daily and monthly spend limits on the work queue.
package budget

import (
	"errors"
	"time"
)

// Errors for budget enforcement
var (
	ErrDailyLimitExceeded   = errors.New("daily budget limit exceeded")
	ErrMonthlyLimitExceeded = errors.New("monthly budget limit exceeded")
	ErrBudgetPaused         = errors.New("budget enforcement: new work paused")
)

// Config holds cost control configuration
type Config struct {
	Enabled      bool            `yaml:"enabled" json:"enabled"`
	DailyLimit   float64         `yaml:"daily_limit" json:"daily_limit"`     // USD
	MonthlyLimit float64         `yaml:"monthly_limit" json:"monthly_limit"` // USD
	OnExceed     ExceedAction    `yaml:"on_exceed" json:"on_exceed"`
	Thresholds   ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

// ExceedAction defines what to do when limits are exceeded
type ExceedAction struct {
	Daily   Action `yaml:"daily" json:"daily"`
	Monthly Action `yaml:"monthly" json:"monthly"`
}

// Action represents the action to take when a limit is exceeded
type Action string

const (
	ActionWarn  Action = "warn"  // Notify but continue
	ActionPause Action = "pause" // Stop assigning new work, finish current
	ActionStop  Action = "stop"  // Emergency stop running work
)

// ThresholdConfig defines warning thresholds
type ThresholdConfig struct {
	WarnPercent float64 `yaml:"warn_percent" json:"warn_percent"` // Warn at this percentage (e.g., 80)
}

// DefaultConfig returns sensible default budget configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false, // Disabled by default
		DailyLimit:   50.00,
		MonthlyLimit: 500.00,
		OnExceed: ExceedAction{
			Daily:   ActionPause,
			Monthly: ActionStop,
		},
		Thresholds: ThresholdConfig{
			WarnPercent: 80,
		},
	}
}

// Status represents current budget status
type Status struct {
	DailySpent     float64   `json:"daily_spent"`
	DailyLimit     float64   `json:"daily_limit"`
	DailyPercent   float64   `json:"daily_percent"`
	MonthlySpent   float64   `json:"monthly_spent"`
	MonthlyLimit   float64   `json:"monthly_limit"`
	MonthlyPercent float64   `json:"monthly_percent"`
	IsPaused       bool      `json:"is_paused"`
	PauseReason    string    `json:"pause_reason,omitempty"`
	BlockedItems   int       `json:"blocked_items"`
	LastUpdated    time.Time `json:"last_updated"`
}

// IsExceeded returns true if any limit is exceeded
func (s *Status) IsExceeded() bool {
	return s.DailyPercent >= 100 || s.MonthlyPercent >= 100
}

// IsWarning returns true if approaching limits
func (s *Status) IsWarning(warnPercent float64) bool {
	return s.DailyPercent >= warnPercent || s.MonthlyPercent >= warnPercent
}

// CheckResult represents the result of a budget check
type CheckResult struct {
	Allowed     bool    `json:"allowed"`
	Action      Action  `json:"action"`
	Reason      string  `json:"reason,omitempty"`
	DailyLeft   float64 `json:"daily_left"`
	MonthlyLeft float64 `json:"monthly_left"`
}
