package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/AzizBrinis/invoice-app-sub004/internal/cron"
	"github.com/AzizBrinis/invoice-app-sub004/internal/docmail"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/queue"
	"github.com/AzizBrinis/invoice-app-sub004/internal/ratelimit"
	"github.com/AzizBrinis/invoice-app-sub004/internal/scheduled"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store/storetest"
)

type stubTicker struct{ calls int }

func (s *stubTicker) Tick(_ context.Context, now time.Time) (cron.TickResult, error) {
	s.calls++
	return cron.TickResult{Timestamp: now}, nil
}

type harness struct {
	srv    *httptest.Server
	ticker *stubTicker
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	st := storetest.New(t)
	logger := zaptest.NewLogger(t)
	engine := queue.NewEngine(st, logger)
	ticker := &stubTicker{}
	server := New(Deps{
		Jobs:       engine,
		EmailLogs:  st,
		Scheduled:  scheduled.NewService(st, logger),
		Producer:   docmail.NewProducer(engine, st, nil, logger),
		Cron:       ticker,
		Limiter:    limiter,
		CronSecret: "s3cret",
		Logger:     logger,
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, ticker: ticker}
}

func (h *harness) do(t *testing.T, method, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCronRequiresSecret(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, http.MethodPost, "/cron/messaging", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/cron/messaging", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK || h.ticker.calls != 1 {
		t.Fatalf("expected tick, got %d calls=%d", ok.StatusCode, h.ticker.calls)
	}
}

func TestInvoiceEmailQueuedThenDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	body := map[string]string{"to": "client@example.com"}
	// both requests must land in the same dedupe slot
	if time.Now().UnixMilli()%docmail.SlotInterval.Milliseconds() > docmail.SlotInterval.Milliseconds()-2000 {
		time.Sleep(2 * time.Second)
	}

	resp, first := h.do(t, http.MethodPost, "/invoices/INV-1/email", "u1", body)
	if resp.StatusCode != http.StatusAccepted || first["status"] != "queued" {
		t.Fatalf("expected queued, got %d %v", resp.StatusCode, first)
	}
	resp, second := h.do(t, http.MethodPost, "/invoices/INV-1/email", "u1", body)
	if resp.StatusCode != http.StatusAccepted || second["status"] != "duplicate" || second["jobId"] != first["jobId"] {
		t.Fatalf("expected duplicate of %v, got %d %v", first, resp.StatusCode, second)
	}

	resp, log := h.do(t, http.MethodGet, "/email-logs/"+first["emailLogId"].(string), "u1", nil)
	if resp.StatusCode != http.StatusOK || log["status"] != string(models.EmailLogPending) {
		t.Fatalf("expected pending log, got %d %v", resp.StatusCode, log)
	}
	resp, _ = h.do(t, http.MethodGet, "/email-logs/"+first["emailLogId"].(string), "u2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("logs of another user must be hidden, got %d", resp.StatusCode)
	}

	resp, job := h.do(t, http.MethodGet, "/jobs/"+first["jobId"].(string), "u1", nil)
	if resp.StatusCode != http.StatusOK || job["type"] != docmail.JobInvoiceEmail {
		t.Fatalf("unexpected job %d %v", resp.StatusCode, job)
	}
	resp, events := h.do(t, http.MethodGet, "/jobs/"+first["jobId"].(string)+"/events", "u1", nil)
	if items, _ := events["items"].([]any); resp.StatusCode != http.StatusOK || len(items) != 2 {
		t.Fatalf("expected ENQUEUED and DEDUPED events, got %d %v", resp.StatusCode, events)
	}
}

func TestDocumentEmailErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, http.MethodPost, "/quotes/Q-1/email", "", map[string]string{"to": "client@example.com"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without user, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/quotes/Q-1/email", "u1", map[string]string{"to": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad recipient, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/jobs/missing", "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestJobInspectionScopedToOwner(t *testing.T) {
	h := newHarness(t, nil)
	resp, queued := h.do(t, http.MethodPost, "/quotes/Q-7/email", "u1", map[string]string{"to": "client@example.com"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected queued, got %d %v", resp.StatusCode, queued)
	}
	jobPath := "/jobs/" + queued["jobId"].(string)

	for _, path := range []string{jobPath, jobPath + "/events"} {
		if resp, _ := h.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without user, got %d", path, resp.StatusCode)
		}
		resp, body := h.do(t, http.MethodGet, path, "u2", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: another user must not see the job, got %d %v", path, resp.StatusCode, body)
		}
		if resp, _ := h.do(t, http.MethodGet, path, "u1", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected owner access, got %d", path, resp.StatusCode)
		}
	}
}

func TestDocumentEmailRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute))

	resp, _ := h.do(t, http.MethodPost, "/invoices/INV-1/email", "u1", map[string]string{"to": "a@example.com"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected first request accepted, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/invoices/INV-2/email", "u1", map[string]string{"to": "a@example.com"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/invoices/INV-2/email", "u2", map[string]string{"to": "a@example.com"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other users keep their own bucket, got %d", resp.StatusCode)
	}
}

func TestScheduledEmailLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	draft := map[string]any{
		"to":      []string{"client@example.com"},
		"subject": "Relance",
		"text":    "Bonjour",
		"sendAt":  time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}

	resp, created := h.do(t, http.MethodPost, "/scheduled-emails", "u1", draft)
	if resp.StatusCode != http.StatusCreated || created["status"] != string(models.ScheduledPending) {
		t.Fatalf("expected PENDING email, got %d %v", resp.StatusCode, created)
	}
	id := created["id"].(string)

	draft["sendAt"] = time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	resp, _ = h.do(t, http.MethodPost, "/scheduled-emails", "u1", draft)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a past send time, got %d", resp.StatusCode)
	}

	resp, list := h.do(t, http.MethodGet, "/scheduled-emails?status=pending", "u1", nil)
	if items, _ := list["items"].([]any); resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("expected one pending email, got %d %v", resp.StatusCode, list)
	}

	later := map[string]string{"sendAt": time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)}
	resp, _ = h.do(t, http.MethodPost, "/scheduled-emails/"+id+"/reschedule", "u1", later)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected reschedule, got %d", resp.StatusCode)
	}

	resp, cancelled := h.do(t, http.MethodPost, "/scheduled-emails/"+id+"/cancel", "u1", nil)
	if resp.StatusCode != http.StatusOK || cancelled["status"] != string(models.ScheduledCancelled) {
		t.Fatalf("expected CANCELLED, got %d %v", resp.StatusCode, cancelled)
	}
	resp, _ = h.do(t, http.MethodPost, "/scheduled-emails/"+id+"/cancel", "u1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/scheduled-emails/"+id+"/cancel", "u2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", resp.StatusCode)
	}
}
