package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPSweeperPostsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req sweepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.UserID != "u1" || req.Bootstrap {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(SweepResult{Scanned: 4, Replied: 1})
	}))
	defer srv.Close()

	sw := NewHTTPSweeper(srv.URL, "tok", time.Second)
	sw.retryDelay = time.Millisecond

	res, err := sw.Sweep(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Replied != 1 || res.Scanned != 4 || calls.Load() != 2 {
		t.Fatalf("unexpected result %+v after %d calls", res, calls.Load())
	}
}

func TestHTTPSweeperClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown user", http.StatusNotFound)
	}))
	defer srv.Close()

	sw := NewHTTPSweeper(srv.URL, "", time.Second)
	sw.retryDelay = time.Millisecond
	if _, err := sw.Sweep(context.Background(), "u1", false); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestHTTPSweeperNotConfigured(t *testing.T) {
	sw := NewHTTPSweeper("", "", 0)
	if _, err := sw.Sweep(context.Background(), "u1", false); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
