package docmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/credentials"
	"github.com/AzizBrinis/invoice-app-sub004/internal/documents"
	"github.com/AzizBrinis/invoice-app-sub004/internal/email"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/queue"
)

const maxLogError = 500

type jobPayload struct {
	EmailLogID   string              `json:"emailLogId"`
	UserID       string              `json:"userId"`
	DocumentType models.DocumentType `json:"documentType"`
	DocumentID   string              `json:"documentId"`
	To           string              `json:"to"`
	Subject      string              `json:"subject"`
}

// Handler sends document emails and keeps their EmailLog in step with each attempt.
type Handler struct {
	logs   LogStore
	creds  credentials.Provider
	sender email.Sender
	docs   documents.Source
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler wires the send handler. docs may be nil, in which case emails go out without the PDF.
func NewHandler(logs LogStore, creds credentials.Provider, sender email.Sender, docs documents.Source, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logs: logs, creds: creds, sender: sender, docs: docs, logger: logger, now: time.Now}
}

// Handlers maps both document email job types to h.
func (h *Handler) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		JobInvoiceEmail: h.Handle,
		JobQuoteEmail:   h.Handle,
	}
}

// Handle performs one send attempt. On failure the log is marked ECHEC and the error is returned so the
// queue can retry; on success it is marked ENVOYE.
func (h *Handler) Handle(ctx context.Context, job models.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}

	if err := h.send(ctx, p); err != nil {
		if markErr := h.logs.MarkEmailLogFailed(ctx, p.EmailLogID, truncate(err.Error(), maxLogError)); markErr != nil {
			h.logger.Error("mark email log failed", zap.String("email_log_id", p.EmailLogID), zap.Error(markErr))
		}
		return err
	}

	if err := h.logs.MarkEmailLogSent(ctx, p.EmailLogID, h.now().UTC()); err != nil {
		// the email is out; retrying would send it twice
		h.logger.Error("mark email log sent", zap.String("email_log_id", p.EmailLogID), zap.Error(err))
	}
	return nil
}

func (h *Handler) send(ctx context.Context, p jobPayload) error {
	creds, err := h.creds.Resolve(ctx, p.UserID)
	if err != nil {
		return err
	}

	msg := email.Message{
		To:      []string{p.To},
		Subject: p.Subject,
		Text:    defaultBody(p.DocumentType, p.DocumentID),
	}
	if h.docs != nil {
		doc, err := h.docs.Fetch(ctx, p.UserID, p.DocumentType, p.DocumentID)
		switch {
		case errors.Is(err, documents.ErrNotFound):
			h.logger.Warn("rendered document missing, sending without attachment",
				zap.String("document_id", p.DocumentID),
				zap.String("document_type", string(p.DocumentType)),
			)
		case err != nil:
			return fmt.Errorf("fetch document: %w", err)
		default:
			msg.Attachments = []email.Attachment{{Filename: doc.Filename, ContentType: doc.ContentType, Content: doc.Content}}
		}
	}
	return h.sender.Send(ctx, creds.Account(), msg)
}

func decodePayload(job models.Job) (jobPayload, error) {
	var p jobPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.EmailLogID == "" || p.UserID == "" || p.DocumentID == "" || p.To == "" {
		return p, errors.New("document email payload is incomplete")
	}
	if p.DocumentType == "" {
		p.DocumentType = models.DocumentInvoice
		if job.Type == JobQuoteEmail {
			p.DocumentType = models.DocumentQuote
		}
	}
	if p.Subject == "" {
		p.Subject = DefaultSubject(p.DocumentType, p.DocumentID)
	}
	return p, nil
}

func defaultBody(docType models.DocumentType, documentID string) string {
	if docType == models.DocumentQuote {
		return fmt.Sprintf("Bonjour,\n\nVeuillez trouver ci-joint le devis %s.\n\nCordialement.", documentID)
	}
	return fmt.Sprintf("Bonjour,\n\nVeuillez trouver ci-joint la facture %s.\n\nCordialement.", documentID)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
