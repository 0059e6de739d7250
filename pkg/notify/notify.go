// Package notify sends a terminal-run summary to an external collaborator.
// original_source/jobs/notification_manager.py sends this over SMTP; no
// example repo in the pack ships an SMTP or notification SDK, so this is
// rebuilt as a webhook POST over net/http (see DESIGN.md for the stdlib
// justification). The success/failure gating follows
// notification_manager.py:send_notification; the payload carries no subject
// line.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pipelex/pkg/models"
)

// RunSummary is the payload delivered to the notifier on a run's terminal
// outcome.
type RunSummary struct {
	ApplicationName string    `json:"application_name"`
	RunID           int64     `json:"run_id"`
	AttemptID       int64     `json:"attempt_id"`
	Success         bool      `json:"success"`
	Status          string    `json:"status"`
	TotalJobs       int       `json:"total_jobs"`
	CompletedJobs   int       `json:"completed_jobs"`
	FailedJobs      int       `json:"failed_jobs"`
	SkippedJobs     int       `json:"skipped_jobs"`
	Duration        float64   `json:"duration_seconds"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Notifier delivers a RunSummary. Implementations must not block the
// orchestrator's shutdown path indefinitely — callers pass a bounded ctx.
type Notifier interface {
	Notify(ctx context.Context, summary RunSummary) error
}

// Config mirrors notification_manager.py's constructor fields, minus the
// SMTP-specific ones.
type Config struct {
	WebhookURL    string
	NotifyOnSuccess bool
	NotifyOnFailure bool
}

// WebhookNotifier POSTs a JSON-encoded RunSummary to Config.WebhookURL.
type WebhookNotifier struct {
	cfg    Config
	client *http.Client
}

// NewWebhookNotifier builds a WebhookNotifier with a bounded HTTP client.
func NewWebhookNotifier(cfg Config) *WebhookNotifier {
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts summary to the configured webhook, honoring the
// notify-on-success/notify-on-failure gates from send_notification.
func (n *WebhookNotifier) Notify(ctx context.Context, summary RunSummary) error {
	if n.cfg.WebhookURL == "" {
		return nil
	}
	if (summary.Success && !n.cfg.NotifyOnSuccess) || (!summary.Success && !n.cfg.NotifyOnFailure) {
		return nil
	}

	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("notify: marshal summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopNotifier discards every summary; the default when no webhook is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, summary RunSummary) error { return nil }

// SummaryFromRun builds a RunSummary from a completed Run.
func SummaryFromRun(run models.Run) RunSummary {
	duration := 0.0
	if run.EndTime != nil {
		duration = run.EndTime.Sub(run.StartTime).Seconds()
	}
	finished := run.StartTime
	if run.EndTime != nil {
		finished = *run.EndTime
	}
	return RunSummary{
		ApplicationName: run.ApplicationName,
		RunID:           run.RunID,
		AttemptID:       run.AttemptID,
		Success:         run.Status == models.RunSuccess,
		Status:          string(run.Status),
		TotalJobs:       run.TotalJobs,
		CompletedJobs:   run.CompletedJobs,
		FailedJobs:      run.FailedJobs,
		SkippedJobs:     run.SkippedJobs,
		Duration:        duration,
		FinishedAt:      finished,
	}
}
