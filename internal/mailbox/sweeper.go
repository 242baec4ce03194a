package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotConfigured is returned when no sweep endpoint is set.
var ErrNotConfigured = errors.New("inbox sweep endpoint is not configured")

// SweepResult is what the webmail service reports after scanning an inbox.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Replied int `json:"replied"`
}

// Sweeper scans a user's inbox and sends any due auto-replies.
type Sweeper interface {
	Sweep(ctx context.Context, userID string, bootstrap bool) (SweepResult, error)
}

// HTTPSweeper delegates the sweep to the webmail service over HTTP.
type HTTPSweeper struct {
	url        string
	token      string
	httpClient *http.Client
	retryDelay time.Duration
	maxRetries uint64
}

func NewHTTPSweeper(url, token string, timeout time.Duration) *HTTPSweeper {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &HTTPSweeper{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		retryDelay: time.Second,
		maxRetries: 2,
	}
}

type sweepRequest struct {
	UserID    string `json:"userId"`
	Bootstrap bool   `json:"bootstrap"`
}

// Sweep posts {userId, bootstrap}. Transport errors and 5xx are retried a few times within the call;
// anything left over is returned so the job retry policy takes over.
func (s *HTTPSweeper) Sweep(ctx context.Context, userID string, bootstrap bool) (SweepResult, error) {
	if s == nil || s.url == "" {
		return SweepResult{}, ErrNotConfigured
	}
	body, err := json.Marshal(sweepRequest{UserID: userID, Bootstrap: bootstrap})
	if err != nil {
		return SweepResult{}, fmt.Errorf("marshal sweep request: %w", err)
	}

	var result SweepResult
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("inbox sweep: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("inbox sweep: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("inbox sweep: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
		}
		result = SweepResult{}
		if resp.ContentLength != 0 {
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
				return backoff.Permanent(fmt.Errorf("decode sweep response: %w", err))
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)); err != nil {
		return SweepResult{}, err
	}
	return result, nil
}
