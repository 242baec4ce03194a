package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store/storetest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAlerter struct {
	mu     sync.Mutex
	failed []string
}

func (a *recordingAlerter) JobFailed(_ context.Context, job models.Job, _ string) {
	a.mu.Lock()
	a.failed = append(a.failed, job.ID)
	a.mu.Unlock()
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(storetest.New(t), zaptest.NewLogger(t), opts...), clock
}

func eventTypes(t *testing.T, e *Engine, jobID string) []models.JobEventType {
	t.Helper()
	events, err := e.ListJobEvents(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]models.JobEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestEnqueueDedupe(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	first, err := e.Enqueue(ctx, EnqueueParams{Type: "email.invoice", DedupeKey: "k"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Deduped {
		t.Fatalf("first enqueue must not be deduped")
	}
	second, err := e.Enqueue(ctx, EnqueueParams{Type: "email.invoice", DedupeKey: "k"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !second.Deduped || second.Job.ID != first.Job.ID {
		t.Fatalf("expected dedupe onto %s, got %+v", first.Job.ID, second)
	}

	got := eventTypes(t, e, first.Job.ID)
	if len(got) != 2 || got[0] != models.EventEnqueued || got[1] != models.EventDeduped {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t)

	res, err := e.Enqueue(ctx, EnqueueParams{Type: "  t  "})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := res.Job
	if job.Type != "t" || job.MaxAttempts != DefaultMaxAttempts || job.RetryBackoff != DefaultRetryBackoff {
		t.Fatalf("unexpected defaults: %+v", job)
	}
	if !job.RunAt.Equal(clock.Now()) || job.Status != models.JobPending || job.DedupeKey != nil {
		t.Fatalf("unexpected defaults: %+v", job)
	}

	if _, err := e.Enqueue(ctx, EnqueueParams{Type: " "}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestProcessQueueRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t)

	res, err := e.Enqueue(ctx, EnqueueParams{Type: "flaky"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	calls := 0
	handlers := map[string]Handler{
		"flaky": func(ctx context.Context, job models.Job) error {
			calls++
			if calls <= 2 {
				return errors.New("smtp timeout")
			}
			return nil
		},
	}

	out, err := e.ProcessQueue(ctx, handlers, ProcessOptions{})
	if err != nil || out.Retried != 1 {
		t.Fatalf("expected one retry, got %+v err=%v", out, err)
	}
	job, _ := e.GetJob(ctx, res.Job.ID)
	if job.Status != models.JobPending || job.Attempts != 1 || job.LastError == nil {
		t.Fatalf("unexpected job after first failure: %+v", job)
	}
	if want := clock.Now().Add(time.Minute); !job.RunAt.Equal(want) {
		t.Fatalf("expected run_at %s, got %s", want, job.RunAt)
	}

	// not eligible until the backoff elapses
	out, _ = e.ProcessQueue(ctx, handlers, ProcessOptions{})
	if out.Processed != 0 {
		t.Fatalf("expected nothing eligible, got %+v", out)
	}

	clock.Advance(time.Minute)
	out, _ = e.ProcessQueue(ctx, handlers, ProcessOptions{})
	if out.Retried != 1 {
		t.Fatalf("expected second retry, got %+v", out)
	}
	job, _ = e.GetJob(ctx, res.Job.ID)
	if want := clock.Now().Add(2 * time.Minute); !job.RunAt.Equal(want) {
		t.Fatalf("expected doubled backoff to %s, got %s", want, job.RunAt)
	}

	clock.Advance(2 * time.Minute)
	out, _ = e.ProcessQueue(ctx, handlers, ProcessOptions{})
	if out.Completed != 1 {
		t.Fatalf("expected completion, got %+v", out)
	}
	job, _ = e.GetJob(ctx, res.Job.ID)
	if job.Status != models.JobSucceeded || job.Attempts != 3 || job.LastError != nil || job.CompletedAt == nil {
		t.Fatalf("unexpected final job: %+v", job)
	}

	want := []models.JobEventType{
		models.EventEnqueued,
		models.EventStarted, models.EventRetryScheduled,
		models.EventStarted, models.EventRetryScheduled,
		models.EventStarted, models.EventSucceeded,
	}
	got := eventTypes(t, e, res.Job.ID)
	if len(got) != len(want) {
		t.Fatalf("unexpected events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestSingleAttemptFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	alerter := &recordingAlerter{}
	e, _ := newTestEngine(t, WithAlerter(alerter))

	res, _ := e.Enqueue(ctx, EnqueueParams{Type: "once", MaxAttempts: 1})
	out, err := e.ProcessQueue(ctx, map[string]Handler{
		"once": func(context.Context, models.Job) error { return errors.New("boom") },
	}, ProcessOptions{})
	if err != nil || out.Failed != 1 || out.Retried != 0 {
		t.Fatalf("expected terminal failure, got %+v err=%v", out, err)
	}
	job, _ := e.GetJob(ctx, res.Job.ID)
	if job.Status != models.JobFailed || job.Attempts != 1 || job.LastError == nil || *job.LastError != "boom" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(alerter.failed) != 1 || alerter.failed[0] != job.ID {
		t.Fatalf("expected one alert for %s, got %v", job.ID, alerter.failed)
	}
}

func TestProcessQueueMissingHandler(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	res, _ := e.Enqueue(ctx, EnqueueParams{Type: "unknown"})
	out, err := e.ProcessQueue(ctx, map[string]Handler{}, ProcessOptions{})
	if err != nil || out.Skipped != 1 {
		t.Fatalf("expected skip, got %+v err=%v", out, err)
	}
	job, _ := e.GetJob(ctx, res.Job.ID)
	if job.Status != models.JobFailed || job.Attempts != 1 {
		t.Fatalf("expected FAILED without retry, got %+v", job)
	}
}

func TestProcessQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t)

	low, _ := e.Enqueue(ctx, EnqueueParams{Type: "t", Priority: 0})
	clock.Advance(time.Second)
	high, _ := e.Enqueue(ctx, EnqueueParams{Type: "t", Priority: 80})
	clock.Advance(time.Second)

	var order []string
	out, err := e.ProcessQueue(ctx, map[string]Handler{
		"t": func(_ context.Context, job models.Job) error {
			order = append(order, job.ID)
			return nil
		},
	}, ProcessOptions{})
	if err != nil || out.Completed != 2 {
		t.Fatalf("expected two completions, got %+v err=%v", out, err)
	}
	if order[0] != high.Job.ID || order[1] != low.Job.ID {
		t.Fatalf("expected high priority job first, got %v", order)
	}
}

func TestProcessQueueRespectsLimits(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	for i := 0; i < 3; i++ {
		e.Enqueue(ctx, EnqueueParams{Type: "a"})
	}
	other, _ := e.Enqueue(ctx, EnqueueParams{Type: "b"})
	noop := func(context.Context, models.Job) error { return nil }
	handlers := map[string]Handler{"a": noop, "b": noop}

	out, _ := e.ProcessQueue(ctx, handlers, ProcessOptions{MaxJobs: 2, AllowedTypes: []string{"a"}})
	if out.Processed != 2 {
		t.Fatalf("expected MaxJobs to bound the drain, got %+v", out)
	}
	out, _ = e.ProcessQueue(ctx, handlers, ProcessOptions{AllowedTypes: []string{"a"}})
	if out.Processed != 1 {
		t.Fatalf("expected the last job of type a, got %+v", out)
	}
	job, _ := e.GetJob(ctx, other.Job.ID)
	if job.Status != models.JobPending {
		t.Fatalf("type filter leaked: %+v", job)
	}
}

func TestHandlerPanicIsAFailedAttempt(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	res, _ := e.Enqueue(ctx, EnqueueParams{Type: "p"})
	out, err := e.ProcessQueue(ctx, map[string]Handler{
		"p": func(context.Context, models.Job) error { panic("nil map") },
	}, ProcessOptions{})
	if err != nil || out.Retried != 1 {
		t.Fatalf("expected panic to be retried, got %+v err=%v", out, err)
	}
	job, _ := e.GetJob(ctx, res.Job.ID)
	if job.LastError == nil || *job.LastError != "handler panic: nil map" {
		t.Fatalf("unexpected last error: %v", job.LastError)
	}
}

func TestConcurrentDrainsRunEachJobOnce(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	const jobs = 12
	for i := 0; i < jobs; i++ {
		if _, err := e.Enqueue(ctx, EnqueueParams{Type: "c"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	runs := map[string]int{}
	handlers := map[string]Handler{
		"c": func(_ context.Context, job models.Job) error {
			mu.Lock()
			runs[job.ID]++
			mu.Unlock()
			return nil
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ProcessQueue(ctx, handlers, ProcessOptions{MaxJobs: jobs}); err != nil {
				t.Errorf("drain: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(runs) != jobs {
		t.Fatalf("expected %d distinct jobs, got %d", jobs, len(runs))
	}
	for id, n := range runs {
		if n != 1 {
			t.Fatalf("job %s ran %d times", id, n)
		}
	}
}

func TestCancelledCallerStillRecordsResult(t *testing.T) {
	e, _ := newTestEngine(t)
	ok, err := e.Enqueue(context.Background(), EnqueueParams{Type: "ok"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handlers := map[string]Handler{"ok": func(context.Context, models.Job) error {
		cancel()
		return nil
	}}
	res, err := e.ProcessQueue(ctx, handlers, ProcessOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the drain to stop on cancellation, got %v", err)
	}
	if res.Completed != 1 || res.Failed != 0 {
		t.Fatalf("expected the finished job to be recorded as completed, got %+v", res)
	}
	job, err := e.GetJob(context.Background(), ok.Job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.JobSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", job.Status)
	}
	got := eventTypes(t, e, ok.Job.ID)
	if got[len(got)-1] != models.EventSucceeded {
		t.Fatalf("expected trailing SUCCEEDED event, got %v", got)
	}
}

func TestCancelledCallerStillSchedulesRetry(t *testing.T) {
	e, _ := newTestEngine(t)
	enq, err := e.Enqueue(context.Background(), EnqueueParams{Type: "flaky"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handlers := map[string]Handler{"flaky": func(context.Context, models.Job) error {
		cancel()
		return errors.New("smtp timeout")
	}}
	res, _ := e.ProcessQueue(ctx, handlers, ProcessOptions{})
	if res.Retried != 1 {
		t.Fatalf("expected a scheduled retry, got %+v", res)
	}
	job, err := e.GetJob(context.Background(), enq.Job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.JobPending || job.Attempts != 1 {
		t.Fatalf("expected PENDING after one attempt, got %s/%d", job.Status, job.Attempts)
	}
}

func TestCompletionLostToConcurrentTransition(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	clock := newFakeClock()
	e := NewEngine(st, zaptest.NewLogger(t), WithClock(clock.Now))
	enq, err := e.Enqueue(ctx, EnqueueParams{Type: "ok"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handlers := map[string]Handler{"ok": func(ctx context.Context, job models.Job) error {
		// another actor moves the row out of RUNNING first
		if _, err := st.FailJob(ctx, job.ID, "operator abort", clock.Now()); err != nil {
			t.Errorf("fail job: %v", err)
		}
		return nil
	}}
	res, err := e.ProcessQueue(ctx, handlers, ProcessOptions{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Completed != 0 || res.Jobs[0].Outcome != OutcomeConflict {
		t.Fatalf("expected a conflict outcome, got %+v", res)
	}
	for _, typ := range eventTypes(t, e, enq.Job.ID) {
		if typ == models.EventSucceeded {
			t.Fatalf("SUCCEEDED event must not contradict the FAILED row")
		}
	}
}
