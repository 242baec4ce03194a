package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

const pgUniqueViolation = "23505"

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations applies the embedded Postgres schema.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

const pgJobColumns = `id, type, payload, dedupe_key, priority, status, attempts, max_attempts, run_at,
	retry_backoff_ms, locked_at, last_error, created_at, completed_at`

// InsertJob inserts a PENDING job row. A (type, dedupe_key) collision returns ErrDuplicate.
func (s *Postgres) InsertJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(payloadOrEmpty(job.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, dedupe_key, priority, status, attempts, max_attempts, run_at, retry_backoff_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10)
	`, job.ID, job.Type, payloadJSON, job.DedupeKey, job.Priority, job.Status, job.MaxAttempts, job.RunAt.UTC(), job.RetryBackoff.Milliseconds(), job.CreatedAt.UTC())
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("insert job: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	return scanPgJob(row)
}

// GetJobByDedupeKey returns the job owning a (type, dedupe_key) pair.
func (s *Postgres) GetJobByDedupeKey(ctx context.Context, jobType, dedupeKey string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE type = $1 AND dedupe_key = $2`, jobType, dedupeKey)
	return scanPgJob(row)
}

// NextPendingJob returns the best lease candidate without claiming it.
func (s *Postgres) NextPendingJob(ctx context.Context, now time.Time, types []string) (models.Job, error) {
	if types == nil {
		types = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE status = $1 AND run_at <= $2 AND (cardinality($3::text[]) = 0 OR type = ANY($3::text[]))
		ORDER BY priority DESC, run_at ASC, created_at ASC
		LIMIT 1
	`, models.JobPending, now.UTC(), types)
	return scanPgJob(row)
}

// LeaseJob flips PENDING to RUNNING. False means another caller won the row.
func (s *Postgres) LeaseJob(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = attempts + 1, locked_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.JobRunning, now.UTC(), models.JobPending)
	if err != nil {
		return false, fmt.Errorf("lease job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob transitions a RUNNING job to SUCCEEDED.
func (s *Postgres) CompleteJob(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3, last_error = NULL, locked_at = NULL
		WHERE id = $1 AND status = $4
	`, id, models.JobSucceeded, now.UTC(), models.JobRunning)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob transitions a RUNNING job to the terminal FAILED state.
func (s *Postgres) FailJob(ctx context.Context, id, lastError string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, completed_at = $4, locked_at = NULL
		WHERE id = $1 AND status = $5
	`, id, models.JobFailed, lastError, now.UTC(), models.JobRunning)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryJob puts a RUNNING job back to PENDING, eligible again at runAt.
func (s *Postgres) RetryJob(ctx context.Context, id, lastError string, runAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, run_at = $4, locked_at = NULL
		WHERE id = $1 AND status = $5
	`, id, models.JobPending, lastError, runAt.UTC(), models.JobRunning)
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendJobEvent adds an audit row.
func (s *Postgres) AppendJobEvent(ctx context.Context, event models.JobEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (id, job_id, type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.JobID, event.Type, event.Detail, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListJobEvents returns a job's audit trail, oldest first.
func (s *Postgres) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, type, detail, created_at FROM job_events
		WHERE job_id = $1 ORDER BY created_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	events := []models.JobEvent{}
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var dedupe, lastErr pgtype.Text
	var lockedAt, completedAt pgtype.Timestamptz
	var backoffMs int64

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &dedupe, &job.Priority, &job.Status, &job.Attempts,
		&job.MaxAttempts, &job.RunAt, &backoffMs, &lockedAt, &lastErr, &job.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job: %w", ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.DedupeKey = textPtr(dedupe)
	job.LastError = textPtr(lastErr)
	job.LockedAt = timestamptzPtr(lockedAt)
	job.CompletedAt = timestamptzPtr(completedAt)
	job.RetryBackoff = time.Duration(backoffMs) * time.Millisecond
	return job, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timestamptzPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
