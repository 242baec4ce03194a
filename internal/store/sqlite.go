package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

// SQLite persists to an embedded SQLite file. It backs local development and the package tests;
// timestamps are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database file.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, so conditional updates never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// RunMigrations applies the embedded SQLite schema.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}

const sqliteJobColumns = `id, type, payload, dedupe_key, priority, status, attempts, max_attempts, run_at,
	retry_backoff_ms, locked_at, last_error, created_at, completed_at`

// InsertJob inserts a PENDING job row. A (type, dedupe_key) collision returns ErrDuplicate.
func (s *SQLite) InsertJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(payloadOrEmpty(job.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, dedupe_key, priority, status, attempts, max_attempts, run_at, retry_backoff_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, job.ID, job.Type, string(payloadJSON), job.DedupeKey, job.Priority, string(job.Status), job.MaxAttempts,
		toMillis(job.RunAt), job.RetryBackoff.Milliseconds(), toMillis(job.CreatedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("insert job: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	return scanSQLiteJob(row)
}

// GetJobByDedupeKey returns the job owning a (type, dedupe_key) pair.
func (s *SQLite) GetJobByDedupeKey(ctx context.Context, jobType, dedupeKey string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE type = ? AND dedupe_key = ?`, jobType, dedupeKey)
	return scanSQLiteJob(row)
}

// NextPendingJob returns the best lease candidate without claiming it.
func (s *SQLite) NextPendingJob(ctx context.Context, now time.Time, types []string) (models.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE status = ? AND run_at <= ?`
	args := []any{string(models.JobPending), toMillis(now)}
	if len(types) > 0 {
		query += ` AND type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY priority DESC, run_at ASC, created_at ASC LIMIT 1`
	return scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
}

// LeaseJob flips PENDING to RUNNING. False means another caller won the row.
func (s *SQLite) LeaseJob(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execCAS(ctx, "lease job", `
		UPDATE jobs SET status = ?, attempts = attempts + 1, locked_at = ?
		WHERE id = ? AND status = ?
	`, string(models.JobRunning), toMillis(now), id, string(models.JobPending))
}

// CompleteJob transitions a RUNNING job to SUCCEEDED.
func (s *SQLite) CompleteJob(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execCAS(ctx, "complete job", `
		UPDATE jobs SET status = ?, completed_at = ?, last_error = NULL, locked_at = NULL
		WHERE id = ? AND status = ?
	`, string(models.JobSucceeded), toMillis(now), id, string(models.JobRunning))
}

// FailJob transitions a RUNNING job to the terminal FAILED state.
func (s *SQLite) FailJob(ctx context.Context, id, lastError string, now time.Time) (bool, error) {
	return s.execCAS(ctx, "fail job", `
		UPDATE jobs SET status = ?, last_error = ?, completed_at = ?, locked_at = NULL
		WHERE id = ? AND status = ?
	`, string(models.JobFailed), lastError, toMillis(now), id, string(models.JobRunning))
}

// RetryJob puts a RUNNING job back to PENDING, eligible again at runAt.
func (s *SQLite) RetryJob(ctx context.Context, id, lastError string, runAt time.Time) (bool, error) {
	return s.execCAS(ctx, "retry job", `
		UPDATE jobs SET status = ?, last_error = ?, run_at = ?, locked_at = NULL
		WHERE id = ? AND status = ?
	`, string(models.JobPending), lastError, toMillis(runAt), id, string(models.JobRunning))
}

// AppendJobEvent adds an audit row.
func (s *SQLite) AppendJobEvent(ctx context.Context, event models.JobEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, type, detail, created_at) VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.JobID, string(event.Type), event.Detail, toMillis(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListJobEvents returns a job's audit trail, oldest first.
func (s *SQLite) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, type, detail, created_at FROM job_events
		WHERE job_id = ? ORDER BY created_at ASC, rowid ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	events := []models.JobEvent{}
	for rows.Next() {
		var ev models.JobEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) execCAS(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var payloadJSON string
	var dedupe, lastErr sql.NullString
	var lockedAt, completedAt sql.NullInt64
	var runAt, createdAt, backoffMs int64

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &dedupe, &job.Priority, &job.Status, &job.Attempts,
		&job.MaxAttempts, &runAt, &backoffMs, &lockedAt, &lastErr, &createdAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job: %w", ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.DedupeKey = nullStringPtr(dedupe)
	job.LastError = nullStringPtr(lastErr)
	job.RunAt = fromMillis(runAt)
	job.CreatedAt = fromMillis(createdAt)
	job.LockedAt = nullMillisPtr(lockedAt)
	job.CompletedAt = nullMillisPtr(completedAt)
	job.RetryBackoff = time.Duration(backoffMs) * time.Millisecond
	return job, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullStringPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

func nullMillisPtr(v sql.NullInt64) *time.Time {
	if v.Valid {
		t := fromMillis(v.Int64)
		return &t
	}
	return nil
}
