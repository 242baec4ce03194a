package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate key")
)

// Store is the full persistence surface shared by the Postgres and SQLite backends.
// Every status mutation is a conditional update that reports whether it applied.
type Store interface {
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

	CreateScheduledEmail(ctx context.Context, email models.ScheduledEmail) error
	GetScheduledEmail(ctx context.Context, userID, id string) (models.ScheduledEmail, error)
	ListScheduledEmails(ctx context.Context, userID string, statuses []models.ScheduledEmailStatus) ([]models.ScheduledEmail, error)
	ListDueScheduledEmails(ctx context.Context, now time.Time, limit int) ([]models.ScheduledEmail, error)
	ListAttachmentContents(ctx context.Context, emailID string) ([]models.Attachment, error)
	LeaseScheduledEmail(ctx context.Context, id string) (bool, error)
	MarkScheduledEmailSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkScheduledEmailFailed(ctx context.Context, id, reason string) (bool, error)
	CancelScheduledEmail(ctx context.Context, userID, id string, at time.Time) (bool, error)
	RescheduleScheduledEmail(ctx context.Context, userID, id string, sendAt time.Time) (bool, error)

	CreateEmailLog(ctx context.Context, log models.EmailLog) error
	GetEmailLog(ctx context.Context, id string) (models.EmailLog, error)
	DeleteEmailLog(ctx context.Context, id string) error
	MarkEmailLogSent(ctx context.Context, id string, at time.Time) error
	MarkEmailLogFailed(ctx context.Context, id, message string) error

	SaveMessagingSettings(ctx context.Context, settings models.MessagingSettings) error
	GetMessagingSettings(ctx context.Context, userID string) (models.MessagingSettings, error)
	ListAutoReplyCandidates(ctx context.Context) ([]models.MessagingSettings, error)

	RunMigrations(ctx context.Context) error
	Close()
}

// Open connects to the backend selected by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres", "":
		pg, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite", "sqlite3":
		lite, err := NewSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func statusStrings(statuses []models.ScheduledEmailStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
