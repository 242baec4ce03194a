package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, zaptest.NewLogger(t))
	hook.retryDelay = time.Millisecond

	hook.JobFailed(context.Background(), models.Job{ID: "j1", Type: "email.invoice", Attempts: 5}, "smtp down")

	if calls.Load() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", calls.Load())
	}
	if got.JobID != "j1" || got.Type != "email.invoice" || got.Message != "smtp down" || got.Attempts != 5 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookGivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, zaptest.NewLogger(t))
	hook.retryDelay = time.Millisecond

	if err := hook.Send(context.Background(), Payload{JobID: "j1"}); err == nil {
		t.Fatalf("expected error for 401")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry on 4xx, got %d calls", calls.Load())
	}
}

func TestNilWebhookIsNoop(t *testing.T) {
	hook := NewWebhook("", time.Second, nil)
	if hook != nil {
		t.Fatalf("expected nil webhook without url")
	}
	hook.JobFailed(context.Background(), models.Job{ID: "j1"}, "ignored")
}
