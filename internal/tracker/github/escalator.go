package github

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foremanhq/foreman/internal/logging"
)

// escalationLabel is applied to issues the escalator creates.
const escalationLabel = "foreman-escalation"

// Escalator turns critical alerts into tracker issues. Repeat alerts of the
// same type land as comments on the existing open issue instead of new
// issues.
type Escalator struct {
	client *Client
	owner  string
	repo   string
	log    *slog.Logger
}

// NewEscalator creates an escalator for the given repository.
func NewEscalator(client *Client, owner, repo string) *Escalator {
	return &Escalator{
		client: client,
		owner:  owner,
		repo:   repo,
		log:    logging.WithComponent("escalator"),
	}
}

// Escalate files an alert with the tracker. The alert type is the dedup
// key: one open issue per type, follow-ups become comments.
func (e *Escalator) Escalate(ctx context.Context, alertType, message, severity string) error {
	title := fmt.Sprintf("[foreman] %s", alertType)
	body := fmt.Sprintf("**Severity:** %s\n**Time:** %s\n\n%s",
		severity, time.Now().Format(time.RFC3339), message)

	issue, created, err := e.client.EnsureIssue(ctx, e.owner, e.repo, title, body,
		alertType, []string{escalationLabel, "severity:" + severity})
	if err != nil {
		return fmt.Errorf("failed to escalate alert: %w", err)
	}

	if created {
		e.log.Info("Escalation issue created",
			slog.String("alert_type", alertType),
			slog.Int("issue", issue.Number),
		)
		return nil
	}

	// Existing issue: append the new occurrence.
	if _, err := e.client.AddComment(ctx, e.owner, e.repo, issue.Number, body); err != nil {
		return fmt.Errorf("failed to comment on escalation issue: %w", err)
	}

	e.log.Info("Escalation appended to existing issue",
		slog.String("alert_type", alertType),
		slog.Int("issue", issue.Number),
	)
	return nil
}

// Resolve closes the open escalation issue for an alert type, if any.
func (e *Escalator) Resolve(ctx context.Context, alertType, message string) error {
	issue, err := e.client.FindIssueByKey(ctx, e.owner, e.repo, alertType)
	if err != nil {
		return fmt.Errorf("failed to find escalation issue: %w", err)
	}
	if issue == nil {
		return nil
	}

	if message != "" {
		if _, err := e.client.AddComment(ctx, e.owner, e.repo, issue.Number, message); err != nil {
			return fmt.Errorf("failed to add resolution comment: %w", err)
		}
	}
	if err := e.client.CloseIssue(ctx, e.owner, e.repo, issue.Number); err != nil {
		return fmt.Errorf("failed to close escalation issue: %w", err)
	}

	e.log.Info("Escalation resolved",
		slog.String("alert_type", alertType),
		slog.Int("issue", issue.Number),
	)
	return nil
}
