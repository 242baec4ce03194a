package cron

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/queue"
)

const (
	JobDispatchScheduledEmails = "messaging.dispatch-scheduled-emails"
	JobAutoReplySweep          = "messaging.auto-reply-sweep"

	DispatchPriority  = 100
	AutoReplyPriority = 50

	// SlotInterval is the width of the dedupe window for cron-produced jobs.
	SlotInterval = time.Minute

	DefaultBatchSize = 25
)

var (
	dispatchBackoff  = 60 * time.Second
	autoReplyBackoff = 120 * time.Second
)

// SlotKey buckets now into fixed intervals: floor(unixMs / intervalMs).
func SlotKey(now time.Time, interval time.Duration) int64 {
	ms := interval.Milliseconds()
	if ms <= 0 {
		ms = SlotInterval.Milliseconds()
	}
	return now.UnixMilli() / ms
}

// Queue is the job engine surface the orchestrator drives.
type Queue interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (queue.EnqueueResult, error)
	ProcessQueue(ctx context.Context, handlers map[string]queue.Handler, opts queue.ProcessOptions) (queue.Result, error)
}

// CandidateStore lists users that may need an auto-reply sweep.
type CandidateStore interface {
	ListAutoReplyCandidates(ctx context.Context) ([]models.MessagingSettings, error)
}

// EnqueuedJob reports one producer call.
type EnqueuedJob struct {
	JobID   string `json:"jobId"`
	Deduped bool   `json:"deduped"`
}

// AutoReplySummary counts the auto-reply fan-out of one tick.
type AutoReplySummary struct {
	Eligible int `json:"eligible"`
	Enqueued int `json:"enqueued"`
	Deduped  int `json:"deduped"`
}

// ScheduledSummary groups what a tick produced.
type ScheduledSummary struct {
	ScheduledEmails EnqueuedJob      `json:"scheduledEmails"`
	AutoReplies     AutoReplySummary `json:"autoReplies"`
}

// TickResult is returned to the cron caller.
type TickResult struct {
	Scheduled ScheduledSummary `json:"scheduled"`
	Queue     queue.Result     `json:"queue"`
	Errors    []string         `json:"errors,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Options tunes an Orchestrator.
type Options struct {
	BatchSize int
	Location  *time.Location
	Logger    *zap.Logger
}

// Orchestrator produces the periodic messaging jobs and drains the queue.
type Orchestrator struct {
	queue      Queue
	candidates CandidateStore
	handlers   map[string]queue.Handler
	types      []string
	batchSize  int
	loc        *time.Location
	logger     *zap.Logger
}

// NewOrchestrator drains only the job types present in handlers.
func NewOrchestrator(q Queue, candidates CandidateStore, handlers map[string]queue.Handler, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return &Orchestrator{
		queue:      q,
		candidates: candidates,
		handlers:   handlers,
		types:      types,
		batchSize:  opts.BatchSize,
		loc:        opts.Location,
		logger:     opts.Logger,
	}
}

// Tick enqueues this slot's dispatch job and one auto-reply sweep per eligible user, then drains a batch.
// Overlapping ticks in the same slot collapse onto the same jobs.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	now = now.UTC()
	res := TickResult{Timestamp: now}
	slot := SlotKey(now, SlotInterval)

	dispatch, err := o.queue.Enqueue(ctx, queue.EnqueueParams{
		Type:         JobDispatchScheduledEmails,
		Payload:      map[string]any{"slot": slot},
		DedupeKey:    fmt.Sprintf("messaging:dispatch:%d", slot),
		Priority:     DispatchPriority,
		RetryBackoff: dispatchBackoff,
	})
	if err != nil {
		return res, fmt.Errorf("enqueue dispatch job: %w", err)
	}
	res.Scheduled.ScheduledEmails = EnqueuedJob{JobID: dispatch.Job.ID, Deduped: dispatch.Deduped}

	summary, err := o.enqueueAutoReplies(ctx, now, slot)
	res.Scheduled.AutoReplies = summary
	if err != nil {
		o.logger.Error("auto-reply fan-out failed", zap.Error(err))
		res.Errors = append(res.Errors, err.Error())
	}

	drained, err := o.queue.ProcessQueue(ctx, o.handlers, queue.ProcessOptions{
		MaxJobs:      o.batchSize,
		AllowedTypes: o.types,
	})
	res.Queue = drained
	if err != nil {
		return res, fmt.Errorf("process queue: %w", err)
	}

	o.logger.Info("cron tick complete",
		zap.Int64("slot", slot),
		zap.Bool("dispatch_deduped", dispatch.Deduped),
		zap.Int("auto_reply_enqueued", summary.Enqueued),
		zap.Int("processed", drained.Processed),
		zap.Int("failed", drained.Failed),
	)
	return res, nil
}

func (o *Orchestrator) enqueueAutoReplies(ctx context.Context, now time.Time, slot int64) (AutoReplySummary, error) {
	var summary AutoReplySummary
	candidates, err := o.candidates.ListAutoReplyCandidates(ctx)
	if err != nil {
		return summary, fmt.Errorf("list auto-reply candidates: %w", err)
	}
	for _, settings := range candidates {
		if !AutoReplyEligible(settings, now, o.loc) {
			continue
		}
		summary.Eligible++
		enq, err := o.queue.Enqueue(ctx, queue.EnqueueParams{
			Type:         JobAutoReplySweep,
			Payload:      map[string]any{"userId": settings.UserID, "bootstrap": false},
			DedupeKey:    fmt.Sprintf("messaging:auto-reply:%s:%d", settings.UserID, slot),
			Priority:     AutoReplyPriority,
			RetryBackoff: autoReplyBackoff,
		})
		if err != nil {
			return summary, fmt.Errorf("enqueue auto-reply for %s: %w", settings.UserID, err)
		}
		if enq.Deduped {
			summary.Deduped++
		} else {
			summary.Enqueued++
		}
	}
	return summary, nil
}

// AutoReplyEligible reports whether a user's inbox should be swept now. Vacation mode counts only inside
// [start 00:00:00, end 23:59:59] in loc, and both mailbox hosts must be configured.
func AutoReplyEligible(s models.MessagingSettings, now time.Time, loc *time.Location) bool {
	if s.IMAPHost == "" || s.SMTPHost == "" {
		return false
	}
	if s.AutoReplyEnabled {
		return true
	}
	if !s.VacationModeEnabled || s.VacationStartDate == nil || s.VacationEndDate == nil {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	sd, ed := *s.VacationStartDate, *s.VacationEndDate
	start := time.Date(sd.Year(), sd.Month(), sd.Day(), 0, 0, 0, 0, loc)
	end := time.Date(ed.Year(), ed.Month(), ed.Day(), 23, 59, 59, 0, loc)
	if end.Before(start) {
		return false
	}
	local := now.In(loc)
	return !local.Before(start) && !local.After(end)
}
