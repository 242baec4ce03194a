package cron

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/mailbox"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/queue"
	"github.com/AzizBrinis/invoice-app-sub004/internal/scheduled"
)

// Dispatcher runs one scheduled-email dispatch cycle.
type Dispatcher interface {
	Run(ctx context.Context, now time.Time) (scheduled.DispatchResult, error)
}

// Handlers returns the messaging job handlers keyed by job type.
func Handlers(dispatcher Dispatcher, sweeper mailbox.Sweeper, logger *zap.Logger) map[string]queue.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return map[string]queue.Handler{
		JobDispatchScheduledEmails: DispatchHandler(dispatcher, logger),
		JobAutoReplySweep:          AutoReplyHandler(sweeper, logger),
	}
}

// DispatchHandler runs the dispatch cycle. Individual send failures are recorded on the emails and do not
// fail the job.
func DispatchHandler(dispatcher Dispatcher, logger *zap.Logger) queue.Handler {
	return func(ctx context.Context, job models.Job) error {
		res, err := dispatcher.Run(ctx, time.Now())
		if err != nil {
			return err
		}
		logger.Info("scheduled emails dispatched",
			zap.String("job_id", job.ID),
			zap.Int("due", res.Due),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
		return nil
	}
}

// AutoReplyHandler sweeps the inbox of payload.userId.
func AutoReplyHandler(sweeper mailbox.Sweeper, logger *zap.Logger) queue.Handler {
	return func(ctx context.Context, job models.Job) error {
		userID, _ := job.Payload["userId"].(string)
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return errors.New("auto-reply job payload has no userId")
		}
		bootstrap, _ := job.Payload["bootstrap"].(bool)
		res, err := sweeper.Sweep(ctx, userID, bootstrap)
		if err != nil {
			return err
		}
		logger.Debug("inbox swept",
			zap.String("user_id", userID),
			zap.Int("scanned", res.Scanned),
			zap.Int("replied", res.Replied),
		)
		return nil
	}
}
