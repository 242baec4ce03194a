package scheduled

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/AzizBrinis/invoice-app-sub004/internal/credentials"
	"github.com/AzizBrinis/invoice-app-sub004/internal/email"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/telemetry"
)

const (
	// DispatchBatchSize caps how many due emails one dispatch cycle handles.
	DispatchBatchSize = 10

	maxFailureReason = 300
)

// DispatchStore is the persistence a dispatch cycle needs.
type DispatchStore interface {
	ListDueScheduledEmails(ctx context.Context, now time.Time, limit int) ([]models.ScheduledEmail, error)
	ListAttachmentContents(ctx context.Context, emailID string) ([]models.Attachment, error)
	LeaseScheduledEmail(ctx context.Context, id string) (bool, error)
	MarkScheduledEmailSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkScheduledEmailFailed(ctx context.Context, id, reason string) (bool, error)
}

// DispatchResult counts what one cycle did.
type DispatchResult struct {
	Due     int `json:"due"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Dispatcher sends scheduled emails whose time has come.
type Dispatcher struct {
	store   DispatchStore
	creds   credentials.Provider
	sender  email.Sender
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher wires a dispatch cycle. A nil limiter sends without throttling.
func NewDispatcher(st DispatchStore, creds credentials.Provider, sender email.Sender, limiter *rate.Limiter, logger *zap.Logger) *Dispatcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   st,
		creds:   creds,
		sender:  sender,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

type resolvedCredentials struct {
	creds credentials.Credentials
	err   error
}

// Run sends up to DispatchBatchSize due emails. A failing item is marked FAILED and never stops the batch;
// only the initial query error is returned.
func (d *Dispatcher) Run(ctx context.Context, now time.Time) (DispatchResult, error) {
	due, err := d.store.ListDueScheduledEmails(ctx, now, DispatchBatchSize)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("list due scheduled emails: %w", err)
	}
	res := DispatchResult{Due: len(due)}
	cache := map[string]resolvedCredentials{}

	for _, item := range due {
		if ctx.Err() != nil {
			res.Skipped++
			continue
		}
		leased, err := d.store.LeaseScheduledEmail(ctx, item.ID)
		if err != nil {
			d.logger.Error("lease scheduled email failed", zap.String("id", item.ID), zap.Error(err))
			res.Skipped++
			continue
		}
		if !leased {
			res.Skipped++
			continue
		}

		// a leased row must leave SENDING even if the caller goes away mid-send
		record := context.WithoutCancel(ctx)
		if err := d.send(ctx, item, cache); err != nil {
			if d.markFailed(record, item, err) {
				res.Failed++
			} else {
				res.Skipped++
			}
			continue
		}
		applied, err := d.store.MarkScheduledEmailSent(record, item.ID, d.now().UTC())
		if err != nil || !applied {
			d.logger.Error("mark scheduled email sent failed",
				zap.String("id", item.ID),
				zap.Bool("applied", applied),
				zap.Error(err),
			)
			res.Skipped++
			continue
		}
		telemetry.ScheduledEmailsSent.Inc()
		res.Sent++
	}
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, item models.ScheduledEmail, cache map[string]resolvedCredentials) error {
	resolved, ok := cache[item.UserID]
	if !ok {
		creds, err := d.creds.Resolve(ctx, item.UserID)
		resolved = resolvedCredentials{creds: creds, err: err}
		cache[item.UserID] = resolved
	}
	if resolved.err != nil {
		return resolved.err
	}

	attachments, err := d.store.ListAttachmentContents(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttle: %w", err)
	}
	return d.sender.Send(ctx, resolved.creds.Account(), email.Message{
		To:          item.To,
		Cc:          item.Cc,
		Bcc:         item.Bcc,
		Subject:     item.Subject,
		Text:        item.Text,
		HTML:        item.HTML,
		Attachments: email.AttachmentsFromModels(attachments),
	})
}

// markFailed records the failure and reports whether the row moved to FAILED.
func (d *Dispatcher) markFailed(ctx context.Context, item models.ScheduledEmail, cause error) bool {
	reason := truncate(cause.Error(), maxFailureReason)
	applied, err := d.store.MarkScheduledEmailFailed(ctx, item.ID, reason)
	if err != nil || !applied {
		d.logger.Error("mark scheduled email failed",
			zap.String("id", item.ID),
			zap.Bool("applied", applied),
			zap.Error(err),
		)
		return false
	}
	telemetry.ScheduledEmailsFailed.Inc()
	d.logger.Warn("scheduled email not sent",
		zap.String("id", item.ID),
		zap.String("user_id", item.UserID),
		zap.Error(cause),
	)
	return true
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
