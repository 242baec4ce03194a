package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
	"github.com/AzizBrinis/invoice-app-sub004/internal/telemetry"
)

const (
	DefaultMaxAttempts = 5
	DefaultMaxJobs     = 20

	// maxLeaseAttempts bounds reselects after losing a lease race before the drain gives up.
	maxLeaseAttempts = 5
)

// ErrInvalidJob is returned for enqueue requests that can never be executed.
var ErrInvalidJob = errors.New("invalid job")

// Handler executes a job for a given type. A returned error (or panic) counts as a failed attempt.
type Handler func(ctx context.Context, job models.Job) error

// JobStore is the persistence the engine needs.
type JobStore interface {
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobByDedupeKey(ctx context.Context, jobType, dedupeKey string) (models.Job, error)
	NextPendingJob(ctx context.Context, now time.Time, types []string) (models.Job, error)
	LeaseJob(ctx context.Context, id string, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, now time.Time) (bool, error)
	FailJob(ctx context.Context, id, lastError string, now time.Time) (bool, error)
	RetryJob(ctx context.Context, id, lastError string, runAt time.Time) (bool, error)
	AppendJobEvent(ctx context.Context, event models.JobEvent) error
	ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// Alerter is notified when a job reaches the terminal FAILED state. Implementations must not block for long
// and must swallow their own errors.
type Alerter interface {
	JobFailed(ctx context.Context, job models.Job, message string)
}

// EnqueueParams describes a job to insert. Zero values pick the defaults.
type EnqueueParams struct {
	Type         string
	Payload      map[string]any
	DedupeKey    string
	Priority     int
	RunAt        time.Time
	MaxAttempts  int
	RetryBackoff time.Duration
}

// EnqueueResult reports the stored job. Deduped means an existing job already owned the dedupe key.
type EnqueueResult struct {
	Job     models.Job `json:"job"`
	Deduped bool       `json:"deduped"`
}

// ProcessOptions bounds one drain.
type ProcessOptions struct {
	MaxJobs      int
	AllowedTypes []string
}

// Outcome is what happened to one leased job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	// OutcomeConflict means the job left RUNNING before its result could be recorded.
	OutcomeConflict Outcome = "conflict"
)

// JobOutcome is the per-job detail of a drain.
type JobOutcome struct {
	JobID    string     `json:"jobId"`
	Type     string     `json:"type"`
	Outcome  Outcome    `json:"outcome"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
	RunAt    *time.Time `json:"runAt,omitempty"`
}

// Result summarizes one ProcessQueue call.
type Result struct {
	Processed int          `json:"processed"`
	Completed int          `json:"completed"`
	Retried   int          `json:"retried"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Jobs      []JobOutcome `json:"jobs"`
}

func (r *Result) add(o JobOutcome) {
	r.Processed++
	switch o.Outcome {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeRetried:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
	r.Jobs = append(r.Jobs, o)
}

// Engine enqueues jobs and drains them with compare-and-swap leases on the job rows.
type Engine struct {
	store   JobStore
	alerter Alerter
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithAlerter sets the terminal-failure notifier.
func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st JobStore, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue inserts a PENDING job. When another job of the same type already holds the dedupe key, that job is
// returned with Deduped set and no new row is written.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	jobType := strings.TrimSpace(p.Type)
	if jobType == "" {
		return EnqueueResult{}, fmt.Errorf("%w: type is required", ErrInvalidJob)
	}
	now := e.now().UTC()
	job := models.Job{
		ID:           uuid.NewString(),
		Type:         jobType,
		Payload:      p.Payload,
		Priority:     p.Priority,
		Status:       models.JobPending,
		MaxAttempts:  p.MaxAttempts,
		RunAt:        p.RunAt.UTC(),
		RetryBackoff: p.RetryBackoff,
		CreatedAt:    now,
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if p.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.RetryBackoff <= 0 {
		job.RetryBackoff = DefaultRetryBackoff
	}
	if key := strings.TrimSpace(p.DedupeKey); key != "" {
		job.DedupeKey = &key
	}

	err := e.store.InsertJob(ctx, job)
	if errors.Is(err, store.ErrDuplicate) && job.DedupeKey != nil {
		existing, getErr := e.store.GetJobByDedupeKey(ctx, jobType, *job.DedupeKey)
		if getErr != nil {
			return EnqueueResult{}, fmt.Errorf("load deduped job: %w", getErr)
		}
		e.appendEvent(ctx, existing.ID, models.EventDeduped, "duplicate enqueue for "+*job.DedupeKey)
		telemetry.JobsDeduped.WithLabelValues(jobType).Inc()
		return EnqueueResult{Job: existing, Deduped: true}, nil
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	e.appendEvent(ctx, job.ID, models.EventEnqueued, "")
	telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
	e.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
		zap.Int("priority", job.Priority),
	)
	return EnqueueResult{Job: job}, nil
}

// GetJob loads a job for inspection.
func (e *Engine) GetJob(ctx context.Context, id string) (models.Job, error) {
	return e.store.GetJob(ctx, id)
}

// ListJobEvents returns a job's audit trail.
func (e *Engine) ListJobEvents(ctx context.Context, id string) ([]models.JobEvent, error) {
	return e.store.ListJobEvents(ctx, id)
}

// ProcessQueue drains up to MaxJobs eligible jobs one at a time. Jobs whose type has no handler fail
// immediately. Handler failures are retried with Backoff until MaxAttempts is reached.
func (e *Engine) ProcessQueue(ctx context.Context, handlers map[string]Handler, opts ProcessOptions) (Result, error) {
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	res := Result{Jobs: []JobOutcome{}}

	for res.Processed < maxJobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		job, ok, err := e.lease(ctx, opts.AllowedTypes)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		outcome, err := e.execute(ctx, job, handlers)
		res.add(outcome)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// lease claims the best eligible job. It reselects when another drain wins the conditional update.
func (e *Engine) lease(ctx context.Context, types []string) (models.Job, bool, error) {
	for attempt := 0; attempt < maxLeaseAttempts; attempt++ {
		now := e.now().UTC()
		candidate, err := e.store.NextPendingJob(ctx, now, types)
		if errors.Is(err, store.ErrNotFound) {
			return models.Job{}, false, nil
		}
		if err != nil {
			return models.Job{}, false, fmt.Errorf("select job: %w", err)
		}
		won, err := e.store.LeaseJob(ctx, candidate.ID, now)
		if err != nil {
			return models.Job{}, false, err
		}
		if !won {
			telemetry.LeaseConflicts.Inc()
			continue
		}
		candidate.Status = models.JobRunning
		candidate.Attempts++
		candidate.LockedAt = &now
		e.appendEvent(context.WithoutCancel(ctx), candidate.ID, models.EventStarted, fmt.Sprintf("attempt %d", candidate.Attempts))
		return candidate, true, nil
	}
	e.logger.Warn("gave up leasing after repeated conflicts", zap.Int("attempts", maxLeaseAttempts))
	return models.Job{}, false, nil
}

// execute runs the handler on ctx. Everything recorded after the lease uses a context detached from ctx's
// cancellation, so a caller that goes away mid-drain cannot leave the job RUNNING.
func (e *Engine) execute(ctx context.Context, job models.Job, handlers map[string]Handler) (JobOutcome, error) {
	outcome := JobOutcome{JobID: job.ID, Type: job.Type, Attempts: job.Attempts}
	record := context.WithoutCancel(ctx)

	handler, ok := handlers[job.Type]
	if !ok || handler == nil {
		msg := fmt.Sprintf("no handler registered for job type %q", job.Type)
		outcome.Outcome = OutcomeSkipped
		outcome.Error = msg
		telemetry.JobsSkipped.WithLabelValues(job.Type).Inc()
		applied, err := e.fail(record, job, msg)
		if err == nil && !applied {
			outcome.Outcome = OutcomeConflict
		}
		return outcome, err
	}

	runErr := runHandler(ctx, handler, job)
	if runErr == nil {
		applied, err := e.store.CompleteJob(record, job.ID, e.now().UTC())
		if err != nil {
			outcome.Outcome = OutcomeFailed
			outcome.Error = err.Error()
			return outcome, err
		}
		if !applied {
			e.logger.Warn("job left RUNNING before completion", zap.String("job_id", job.ID))
			outcome.Outcome = OutcomeConflict
			return outcome, nil
		}
		e.appendEvent(record, job.ID, models.EventSucceeded, "")
		telemetry.JobsSucceeded.WithLabelValues(job.Type).Inc()
		outcome.Outcome = OutcomeCompleted
		return outcome, nil
	}

	msg := runErr.Error()
	outcome.Error = msg
	if job.Attempts >= job.MaxAttempts {
		outcome.Outcome = OutcomeFailed
		applied, err := e.fail(record, job, msg)
		if err == nil && !applied {
			outcome.Outcome = OutcomeConflict
		}
		return outcome, err
	}

	runAt := e.now().UTC().Add(Backoff(job.Attempts, job.RetryBackoff))
	applied, err := e.store.RetryJob(record, job.ID, msg, runAt)
	if err != nil {
		outcome.Outcome = OutcomeFailed
		return outcome, err
	}
	if !applied {
		e.logger.Warn("job left RUNNING before retry", zap.String("job_id", job.ID))
		outcome.Outcome = OutcomeConflict
		return outcome, nil
	}
	e.appendEvent(record, job.ID, models.EventRetryScheduled,
		fmt.Sprintf("attempt %d failed: %s; next run %s", job.Attempts, msg, runAt.Format(time.RFC3339)))
	telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
	e.logger.Info("job attempt failed, retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.Time("run_at", runAt),
		zap.Error(runErr),
	)
	outcome.Outcome = OutcomeRetried
	outcome.RunAt = &runAt
	return outcome, nil
}

// fail moves a RUNNING job to FAILED and fires the alert. It reports false when the job was no longer RUNNING.
func (e *Engine) fail(ctx context.Context, job models.Job, msg string) (bool, error) {
	applied, err := e.store.FailJob(ctx, job.ID, msg, e.now().UTC())
	if err != nil {
		return false, err
	}
	if !applied {
		e.logger.Warn("job left RUNNING before failure", zap.String("job_id", job.ID))
		return false, nil
	}
	e.appendEvent(ctx, job.ID, models.EventFailed, msg)
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	e.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.String("error", msg),
	)
	if e.alerter != nil {
		job.Status = models.JobFailed
		job.LastError = &msg
		e.alerter.JobFailed(ctx, job, msg)
	}
	return true, nil
}

func (e *Engine) appendEvent(ctx context.Context, jobID string, typ models.JobEventType, detail string) {
	event := models.JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Type:      typ,
		Detail:    detail,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.AppendJobEvent(ctx, event); err != nil {
		e.logger.Warn("append job event failed",
			zap.String("job_id", jobID),
			zap.String("event", string(typ)),
			zap.Error(err),
		)
	}
}

func runHandler(ctx context.Context, handler Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
