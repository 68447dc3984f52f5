// Package notify delivers backup outcome notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/model"
)

// WebhookNotifier POSTs a JSON summary of a finished execution to a
// fixed webhook URL. The configured recipients ride along in the
// payload for the receiving side to fan out.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookNotifier(url string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

type webhookPayload struct {
	Event             string               `json:"event"`
	ConfigurationID   string               `json:"configuration_id"`
	ConfigurationName string               `json:"configuration_name"`
	ExecutionID       string               `json:"execution_id"`
	Status            string               `json:"status"`
	StartedAt         time.Time            `json:"started_at"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
	DurationMS        int64                `json:"duration_ms"`
	Artifact          *model.ArtifactInfo  `json:"artifact,omitempty"`
	Failure           *model.FailureDetail `json:"failure,omitempty"`
	Recipients        []string             `json:"recipients,omitempty"`
}

// Notify posts the execution outcome. A non-2xx response is an error;
// the caller decides whether delivery failures matter.
func (n *WebhookNotifier) Notify(ctx context.Context, cfg *model.BackupConfiguration, exec *model.BackupExecution) error {
	event := "backup.failed"
	if exec.Status == model.StatusCompleted {
		event = "backup.completed"
	}

	payload := webhookPayload{
		Event:             event,
		ConfigurationID:   cfg.ID,
		ConfigurationName: cfg.Name,
		ExecutionID:       exec.ID,
		Status:            exec.Status,
		StartedAt:         exec.StartedAt,
		CompletedAt:       exec.CompletedAt,
		DurationMS:        exec.DurationMS,
		Artifact:          exec.Artifact,
		Failure:           exec.Failure,
		Recipients:        cfg.Settings.Notification.Recipients,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %s", resp.Status)
	}

	n.logger.Debug().
		Str("execution_id", exec.ID).
		Str("event", event).
		Msg("notification delivered")
	return nil
}
