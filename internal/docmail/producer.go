package docmail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/queue"
)

const (
	JobInvoiceEmail = "email.invoice"
	JobQuoteEmail   = "email.quote"

	// Priority sits between the dispatch and auto-reply jobs.
	Priority = 80
	// SlotInterval is the dedupe window for repeated clicks on "send".
	SlotInterval = 30 * time.Second
)

// ErrValidation wraps rejected producer input.
var ErrValidation = errors.New("validation failed")

// Enqueuer inserts jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (queue.EnqueueResult, error)
}

// LogStore persists the user-visible email logs.
type LogStore interface {
	CreateEmailLog(ctx context.Context, log models.EmailLog) error
	GetEmailLog(ctx context.Context, id string) (models.EmailLog, error)
	DeleteEmailLog(ctx context.Context, id string) error
	MarkEmailLogSent(ctx context.Context, id string, at time.Time) error
	MarkEmailLogFailed(ctx context.Context, id, message string) error
}

// Drainer starts a background drain for one job type. It reports false when a drain is already running.
type Drainer interface {
	Trigger(jobType string) bool
}

// QueueResult is returned to the compose UI.
type QueueResult struct {
	JobID      string `json:"jobId"`
	Deduped    bool   `json:"deduped"`
	EmailLogID string `json:"emailLogId"`
}

// Producer queues invoice and quote emails.
type Producer struct {
	queue   Enqueuer
	logs    LogStore
	drainer Drainer
	logger  *zap.Logger
	now     func() time.Time
}

// NewProducer wires a producer. drainer may be nil, leaving the jobs to the cron drain.
func NewProducer(q Enqueuer, logs LogStore, drainer Drainer, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{queue: q, logs: logs, drainer: drainer, logger: logger, now: time.Now}
}

// QueueInvoiceEmailJob queues an invoice email. An empty subject becomes "Facture {id}".
func (p *Producer) QueueInvoiceEmailJob(ctx context.Context, userID, invoiceID, to, subject string) (QueueResult, error) {
	return p.queueDocument(ctx, models.DocumentInvoice, JobInvoiceEmail, userID, invoiceID, to, subject)
}

// QueueQuoteEmailJob queues a quote email. An empty subject becomes "Devis {id}".
func (p *Producer) QueueQuoteEmailJob(ctx context.Context, userID, quoteID, to, subject string) (QueueResult, error) {
	return p.queueDocument(ctx, models.DocumentQuote, JobQuoteEmail, userID, quoteID, to, subject)
}

func (p *Producer) queueDocument(ctx context.Context, docType models.DocumentType, jobType, userID, documentID, to, subject string) (QueueResult, error) {
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" || documentID == "" {
		return QueueResult{}, fmt.Errorf("%w: user and document are required", ErrValidation)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(to))
	if err != nil {
		return QueueResult{}, fmt.Errorf("%w: invalid recipient %q", ErrValidation, to)
	}
	recipient := addr.Address
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject(docType, documentID)
	}

	now := p.now().UTC()
	log := models.EmailLog{
		ID:           uuid.NewString(),
		UserID:       userID,
		DocumentType: docType,
		DocumentID:   documentID,
		To:           recipient,
		Subject:      subject,
		Status:       models.EmailLogPending,
		CreatedAt:    now,
	}
	if err := p.logs.CreateEmailLog(ctx, log); err != nil {
		return QueueResult{}, err
	}

	slot := now.UnixMilli() / SlotInterval.Milliseconds()
	enq, err := p.queue.Enqueue(ctx, queue.EnqueueParams{
		Type: jobType,
		Payload: map[string]any{
			"emailLogId":   log.ID,
			"userId":       userID,
			"documentType": string(docType),
			"documentId":   documentID,
			"to":           recipient,
			"subject":      subject,
		},
		DedupeKey: fmt.Sprintf("%s:%s:%s:%s:%d", jobType, userID, documentID, strings.ToLower(recipient), slot),
		Priority:  Priority,
	})
	if err != nil {
		p.deletePlaceholder(ctx, log.ID)
		return QueueResult{}, err
	}

	res := QueueResult{JobID: enq.Job.ID, Deduped: enq.Deduped, EmailLogID: log.ID}
	if enq.Deduped {
		p.deletePlaceholder(ctx, log.ID)
		if existing, ok := enq.Job.Payload["emailLogId"].(string); ok {
			res.EmailLogID = existing
		}
	}

	if p.drainer != nil {
		p.drainer.Trigger(jobType)
	}
	p.logger.Info("document email queued",
		zap.String("job_id", res.JobID),
		zap.String("document_type", string(docType)),
		zap.String("document_id", documentID),
		zap.Bool("deduped", res.Deduped),
	)
	return res, nil
}

func (p *Producer) deletePlaceholder(ctx context.Context, id string) {
	if err := p.logs.DeleteEmailLog(ctx, id); err != nil {
		p.logger.Warn("delete placeholder email log failed", zap.String("email_log_id", id), zap.Error(err))
	}
}

// DefaultSubject is the subject used when the user leaves it blank.
func DefaultSubject(docType models.DocumentType, documentID string) string {
	if docType == models.DocumentQuote {
		return "Devis " + documentID
	}
	return "Facture " + documentID
}
