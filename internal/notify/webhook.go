// Package notify posts migration lifecycle events to a webhook, so operators
// watching a long homeserver migration hear about completion or failure
// without tailing logs.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/matrix-tools/syn2mas/internal/config"
)

// Provider defines the notification contract for migration events. A no-op
// implementation stands in when notifications are disabled.
type Provider interface {
	// MigrationStarted fires when the run begins, after preflight passes.
	MigrationStarted(runID, homeserver string, resumed bool) error

	// MigrationCompleted fires on full success.
	MigrationCompleted(runID string, duration time.Duration, rows int64, skipped int) error

	// MigrationFailed fires when the run aborts.
	MigrationFailed(runID string, err error, duration time.Duration) error
}

// Event is the JSON payload posted to the webhook.
type Event struct {
	Event      string `json:"event"`
	RunID      string `json:"run_id"`
	Homeserver string `json:"homeserver,omitempty"`
	Resumed    bool   `json:"resumed,omitempty"`
	Duration   string `json:"duration,omitempty"`
	Rows       int64  `json:"rows,omitempty"`
	Skipped    int    `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Notifier posts events to a configured webhook URL.
type Notifier struct {
	config     *config.NotifyConfig
	httpClient *http.Client
}

var _ Provider = (*Notifier)(nil)

// New creates a webhook notifier. With notifications disabled every call is
// a no-op.
func New(cfg *config.NotifyConfig) *Notifier {
	if cfg == nil {
		cfg = &config.NotifyConfig{}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled reports whether events will actually be sent.
func (n *Notifier) IsEnabled() bool {
	return n.config.Enabled && n.config.WebhookURL != ""
}

// MigrationStarted fires when the run begins.
func (n *Notifier) MigrationStarted(runID, homeserver string, resumed bool) error {
	return n.send(Event{
		Event:      "migration_started",
		RunID:      runID,
		Homeserver: homeserver,
		Resumed:    resumed,
	})
}

// MigrationCompleted fires on full success.
func (n *Notifier) MigrationCompleted(runID string, duration time.Duration, rows int64, skipped int) error {
	return n.send(Event{
		Event:    "migration_completed",
		RunID:    runID,
		Duration: duration.Round(time.Second).String(),
		Rows:     rows,
		Skipped:  skipped,
	})
}

// MigrationFailed fires when the run aborts.
func (n *Notifier) MigrationFailed(runID string, err error, duration time.Duration) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
	}
	return n.send(Event{
		Event:    "migration_failed",
		RunID:    runID,
		Duration: duration.Round(time.Second).String(),
		Error:    msg,
	})
}

func (n *Notifier) send(ev Event) error {
	if !n.IsEnabled() {
		return nil
	}
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
