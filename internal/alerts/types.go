// Package alerts routes operational alerts to configured delivery channels.
package alerts

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrChannelNotFound is returned when dispatching to an unknown channel.
var ErrChannelNotFound = errors.New("alert channel not found")

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank orders severities for filtering.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// ParseSeverity maps a string to a Severity, defaulting to info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityWarning, SeverityCritical:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

// Alert represents an alert event.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Source    string    `json:"source"` // e.g. "budget", "costwatch", "orchestrator"
	CreatedAt time.Time `json:"created_at"`
}

// NewAlert builds an alert with an ID and timestamp filled in.
func NewAlert(alertType, message, source string, severity Severity) *Alert {
	return &Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Source:    source,
		CreatedAt: time.Now(),
	}
}

// Config holds alerting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Cooldown is the minimum time between deliveries of the same alert
	// type. Repeats inside the window are suppressed.
	Cooldown time.Duration `yaml:"cooldown"`
	// Webhook, when set, enables the webhook channel.
	Webhook *WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// MinSeverity filters deliveries; alerts below it are skipped.
	MinSeverity Severity `yaml:"min_severity"`
}

// DefaultConfig returns default alerting settings.
func DefaultConfig() *Config {
	return &Config{
		Enabled:  true,
		Cooldown: 5 * time.Minute,
	}
}
