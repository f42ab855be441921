package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/foremanhq/foreman/internal/logging"
)

// LogChannel writes alerts to the structured log. It accepts everything.
type LogChannel struct {
	log *slog.Logger
}

// NewLogChannel creates the log channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{log: logging.WithComponent("alerts")}
}

// Name returns the channel name.
func (c *LogChannel) Name() string { return "log" }

// MinSeverity accepts all severities.
func (c *LogChannel) MinSeverity() Severity { return SeverityInfo }

// Send logs the alert at a level matching its severity.
func (c *LogChannel) Send(_ context.Context, alert *Alert) error {
	attrs := []any{
		slog.String("type", alert.Type),
		slog.String("source", alert.Source),
		slog.String("severity", string(alert.Severity)),
	}
	switch alert.Severity {
	case SeverityCritical:
		c.log.Error(alert.Message, attrs...)
	case SeverityWarning:
		c.log.Warn(alert.Message, attrs...)
	default:
		c.log.Info(alert.Message, attrs...)
	}
	return nil
}

// WebhookChannel POSTs alerts as JSON to a configured URL.
type WebhookChannel struct {
	url         string
	minSeverity Severity
	httpClient  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(cfg *WebhookConfig) *WebhookChannel {
	minSeverity := cfg.MinSeverity
	if minSeverity == "" {
		minSeverity = SeverityWarning
	}
	return &WebhookChannel{
		url:         cfg.URL,
		minSeverity: minSeverity,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel name.
func (c *WebhookChannel) Name() string { return "webhook" }

// MinSeverity returns the configured severity floor.
func (c *WebhookChannel) MinSeverity() Severity { return c.minSeverity }

// Send delivers the alert as a JSON POST.
func (c *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Escalator files an alert with an external tracker and closes it out once
// the condition clears. Implemented by the GitHub escalator.
type Escalator interface {
	Escalate(ctx context.Context, alertType, message, severity string) error
	Resolve(ctx context.Context, alertType, message string) error
}

// TrackerChannel escalates critical alerts to the issue tracker.
type TrackerChannel struct {
	escalator Escalator
}

// NewTrackerChannel creates a tracker channel.
func NewTrackerChannel(escalator Escalator) *TrackerChannel {
	return &TrackerChannel{escalator: escalator}
}

// Name returns the channel name.
func (c *TrackerChannel) Name() string { return "tracker" }

// MinSeverity only escalates critical alerts.
func (c *TrackerChannel) MinSeverity() Severity { return SeverityCritical }

// Send files the alert with the tracker.
func (c *TrackerChannel) Send(ctx context.Context, alert *Alert) error {
	return c.escalator.Escalate(ctx, alert.Type, alert.Message, string(alert.Severity))
}

// Resolve closes the tracker issue for an alert type.
func (c *TrackerChannel) Resolve(ctx context.Context, alertType, message string) error {
	return c.escalator.Resolve(ctx, alertType, message)
}
