package scheduled

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/AzizBrinis/invoice-app-sub004/internal/credentials"
	"github.com/AzizBrinis/invoice-app-sub004/internal/email"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store/storetest"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (p *fakeProvider) Resolve(_ context.Context, userID string) (credentials.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[userID]++
	if err := p.fail[userID]; err != nil {
		return credentials.Credentials{}, err
	}
	return credentials.Credentials{
		UserID:    userID,
		FromEmail: userID + "@example.com",
		SMTP:      credentials.Server{Host: "smtp.example.com", Port: 587},
	}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, _ email.Account, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func seedDue(t *testing.T, st *store.SQLite, userID string, n int, sendAt time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e := models.ScheduledEmail{
			ID:        uuid.NewString(),
			UserID:    userID,
			To:        []string{"client@example.com"},
			Subject:   "Relance",
			Text:      "Bonjour",
			SendAt:    sendAt.Add(time.Duration(i) * time.Second),
			Status:    models.ScheduledPending,
			CreatedAt: sendAt.Add(-time.Hour),
		}
		if i == 0 {
			e.Attachments = []models.Attachment{{ID: uuid.NewString(), Filename: "a.pdf", ContentType: "application/pdf", Content: []byte("%PDF")}}
		}
		if err := st.CreateScheduledEmail(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids = append(ids, e.ID)
	}
	return ids
}

func TestDispatcherBatchAndCredentialCache(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	now := baseTime

	seedDue(t, st, "good", 8, now.Add(-time.Hour))
	badIDs := seedDue(t, st, "bad", 4, now.Add(-30*time.Minute))
	seedDue(t, st, "later", 2, now.Add(time.Hour))

	provider := &fakeProvider{fail: map[string]error{"bad": errors.New(strings.Repeat("x", 400))}}
	sender := &fakeSender{}
	d := NewDispatcher(st, provider, sender, nil, zaptest.NewLogger(t))

	res, err := d.Run(ctx, now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Due != DispatchBatchSize || res.Sent != 8 || res.Failed != 2 {
		t.Fatalf("unexpected first batch: %+v", res)
	}
	if provider.calls["good"] != 1 || provider.calls["bad"] != 1 {
		t.Fatalf("expected one credential lookup per user, got %v", provider.calls)
	}
	if len(sender.sent[0].Attachments) != 1 || string(sender.sent[0].Attachments[0].Content) != "%PDF" {
		t.Fatalf("expected attachment content on first send, got %+v", sender.sent[0].Attachments)
	}

	failed, err := st.GetScheduledEmail(ctx, "bad", badIDs[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if failed.Status != models.ScheduledFailed || failed.FailureReason == nil || len(*failed.FailureReason) != maxFailureReason {
		t.Fatalf("expected truncated failure reason, got %+v", failed)
	}

	res, err = d.Run(ctx, now)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Due != 2 || res.Failed != 2 || res.Sent != 0 {
		t.Fatalf("unexpected second batch: %+v", res)
	}

	res, _ = d.Run(ctx, now)
	if res.Due != 0 {
		t.Fatalf("expected nothing due, got %+v", res)
	}
}

func TestDispatcherSendFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	ids := seedDue(t, st, "u1", 2, baseTime.Add(-time.Minute))

	d := NewDispatcher(st, &fakeProvider{}, &fakeSender{err: errors.New("550 mailbox unavailable")}, nil, zaptest.NewLogger(t))
	res, err := d.Run(ctx, baseTime)
	if err != nil || res.Failed != 2 {
		t.Fatalf("expected two failures, got %+v err=%v", res, err)
	}
	got, _ := st.GetScheduledEmail(ctx, "u1", ids[1])
	if got.Status != models.ScheduledFailed || *got.FailureReason != "550 mailbox unavailable" {
		t.Fatalf("unexpected row: %+v", got)
	}
}

// cancellingSender delivers the message and then cancels the caller's context.
type cancellingSender struct {
	cancel context.CancelFunc
	sent   int
}

func (s *cancellingSender) Send(context.Context, email.Account, email.Message) error {
	s.sent++
	s.cancel()
	return nil
}

func TestDispatcherRecordsSendAfterCallerCancels(t *testing.T) {
	st := storetest.New(t)
	ids := seedDue(t, st, "u1", 2, baseTime.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	sender := &cancellingSender{cancel: cancel}
	d := NewDispatcher(st, &fakeProvider{}, sender, nil, zaptest.NewLogger(t))
	res, err := d.Run(ctx, baseTime)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Sent != 1 || res.Skipped != 1 || sender.sent != 1 {
		t.Fatalf("expected one send then a stop, got %+v sends=%d", res, sender.sent)
	}

	sent, err := st.GetScheduledEmail(context.Background(), "u1", ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sent.Status != models.ScheduledSent || sent.SentAt == nil {
		t.Fatalf("expected SENT with sentAt, got %s %v", sent.Status, sent.SentAt)
	}
	untouched, err := st.GetScheduledEmail(context.Background(), "u1", ids[1])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if untouched.Status != models.ScheduledPending {
		t.Fatalf("unleased email must stay PENDING, got %s", untouched.Status)
	}
}
