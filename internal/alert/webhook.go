package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/telemetry"
)

const maxDeliveryAttempts = 3

// Payload is the JSON body posted for a permanently failed job.
type Payload struct {
	JobID     string    `json:"jobId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Webhook posts failure alerts to an operator endpoint. Delivery is best effort: errors are logged only.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewWebhook returns nil when url is empty so callers can skip alerting entirely.
func NewWebhook(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		retryDelay: 250 * time.Millisecond,
	}
}

// JobFailed delivers the alert for a job that reached FAILED.
func (w *Webhook) JobFailed(ctx context.Context, job models.Job, message string) {
	if w == nil {
		return
	}
	payload := Payload{
		JobID:     job.ID,
		Type:      job.Type,
		Message:   message,
		Attempts:  job.Attempts,
		Timestamp: time.Now().UTC(),
	}
	if err := w.Send(ctx, payload); err != nil {
		telemetry.AlertFailures.Inc()
		w.logger.Warn("job failure alert not delivered",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Error(err),
		)
	}
}

// Send posts one payload, retrying transport errors and 5xx responses a bounded number of times.
func (w *Webhook) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("post alert: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("post alert: status %d", resp.StatusCode)
		case resp.StatusCode >= http.StatusBadRequest:
			return backoff.Permanent(fmt.Errorf("post alert: status %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxDeliveryAttempts-1), ctx)
	return backoff.Retry(operation, policy)
}
