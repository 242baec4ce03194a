package scheduled

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
	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
)

const maxAttachmentBytes = 20 * 1024 * 1024

var (
	// ErrValidation wraps every rejected draft or reschedule request.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means the email does not exist for this user.
	ErrNotFound = errors.New("scheduled email not found")
	// ErrInvalidState means the email's status does not allow the transition.
	ErrInvalidState = errors.New("scheduled email cannot change in its current state")
)

// Store is the persistence the scheduling service needs.
type Store interface {
	CreateScheduledEmail(ctx context.Context, email models.ScheduledEmail) error
	GetScheduledEmail(ctx context.Context, userID, id string) (models.ScheduledEmail, error)
	ListScheduledEmails(ctx context.Context, userID string, statuses []models.ScheduledEmailStatus) ([]models.ScheduledEmail, error)
	CancelScheduledEmail(ctx context.Context, userID, id string, at time.Time) (bool, error)
	RescheduleScheduledEmail(ctx context.Context, userID, id string, sendAt time.Time) (bool, error)
}

// DraftAttachment is a file uploaded with a draft.
type DraftAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// Draft is a composed email to send later. Recipient entries may hold several addresses separated by , or ;.
type Draft struct {
	To          []string          `json:"to"`
	Cc          []string          `json:"cc"`
	Bcc         []string          `json:"bcc"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	SendAt      time.Time         `json:"sendAt"`
	Attachments []DraftAttachment `json:"attachments"`
}

// Service manages a user's scheduled emails.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(st Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger, now: time.Now}
}

// Schedule validates the draft and stores it PENDING. SendAt must be in the future.
func (s *Service) Schedule(ctx context.Context, userID string, draft Draft) (models.ScheduledEmail, error) {
	if strings.TrimSpace(userID) == "" {
		return models.ScheduledEmail{}, fmt.Errorf("%w: user is required", ErrValidation)
	}
	to, err := NormalizeRecipients(draft.To)
	if err != nil {
		return models.ScheduledEmail{}, err
	}
	if len(to) == 0 {
		return models.ScheduledEmail{}, fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	cc, err := NormalizeRecipients(draft.Cc)
	if err != nil {
		return models.ScheduledEmail{}, err
	}
	bcc, err := NormalizeRecipients(draft.Bcc)
	if err != nil {
		return models.ScheduledEmail{}, err
	}
	now := s.now().UTC()
	if !draft.SendAt.After(now) {
		return models.ScheduledEmail{}, fmt.Errorf("%w: send time must be in the future", ErrValidation)
	}

	email := models.ScheduledEmail{
		ID:          uuid.NewString(),
		UserID:      userID,
		To:          to,
		Cc:          cc,
		Bcc:         bcc,
		Subject:     strings.TrimSpace(draft.Subject),
		Text:        draft.Text,
		HTML:        draft.HTML,
		SendAt:      draft.SendAt.UTC(),
		Status:      models.ScheduledPending,
		CreatedAt:   now,
		Attachments: []models.Attachment{},
	}
	total := 0
	for _, a := range draft.Attachments {
		name := strings.TrimSpace(a.Filename)
		if name == "" {
			return models.ScheduledEmail{}, fmt.Errorf("%w: attachment filename is required", ErrValidation)
		}
		total += len(a.Content)
		if total > maxAttachmentBytes {
			return models.ScheduledEmail{}, fmt.Errorf("%w: attachments exceed %d bytes", ErrValidation, maxAttachmentBytes)
		}
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		email.Attachments = append(email.Attachments, models.Attachment{
			ID:          uuid.NewString(),
			Filename:    name,
			ContentType: ct,
			Size:        len(a.Content),
			Content:     a.Content,
		})
	}

	if err := s.store.CreateScheduledEmail(ctx, email); err != nil {
		return models.ScheduledEmail{}, err
	}
	s.logger.Info("email scheduled",
		zap.String("id", email.ID),
		zap.String("user_id", userID),
		zap.Time("send_at", email.SendAt),
		zap.Int("attachments", len(email.Attachments)),
	)
	for i := range email.Attachments {
		email.Attachments[i].Content = nil
	}
	return email, nil
}

// List returns the user's scheduled emails, newest send time first, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID string, statuses ...models.ScheduledEmailStatus) ([]models.ScheduledEmail, error) {
	return s.store.ListScheduledEmails(ctx, userID, statuses)
}

// Get returns one scheduled email.
func (s *Service) Get(ctx context.Context, userID, id string) (models.ScheduledEmail, error) {
	email, err := s.store.GetScheduledEmail(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.ScheduledEmail{}, ErrNotFound
	}
	return email, err
}

// Reschedule moves a PENDING or FAILED email to a new future send time.
func (s *Service) Reschedule(ctx context.Context, userID, id string, sendAt time.Time) (models.ScheduledEmail, error) {
	if !sendAt.After(s.now()) {
		return models.ScheduledEmail{}, fmt.Errorf("%w: send time must be in the future", ErrValidation)
	}
	applied, err := s.store.RescheduleScheduledEmail(ctx, userID, id, sendAt.UTC())
	if err != nil {
		return models.ScheduledEmail{}, err
	}
	if !applied {
		return models.ScheduledEmail{}, s.transitionError(ctx, userID, id)
	}
	return s.Get(ctx, userID, id)
}

// Cancel stops a PENDING email from being sent.
func (s *Service) Cancel(ctx context.Context, userID, id string) (models.ScheduledEmail, error) {
	applied, err := s.store.CancelScheduledEmail(ctx, userID, id, s.now().UTC())
	if err != nil {
		return models.ScheduledEmail{}, err
	}
	if !applied {
		return models.ScheduledEmail{}, s.transitionError(ctx, userID, id)
	}
	return s.Get(ctx, userID, id)
}

// transitionError explains why a conditional update matched no row.
func (s *Service) transitionError(ctx context.Context, userID, id string) error {
	email, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status is %s", ErrInvalidState, email.Status)
}

// NormalizeRecipients splits entries on , and ;, trims them, validates each address and drops duplicates.
func NormalizeRecipients(entries []string) ([]string, error) {
	out := []string{}
	seen := map[string]bool{}
	for _, entry := range entries {
		parts := strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ';' })
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			addr, err := mail.ParseAddress(part)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid recipient %q", ErrValidation, part)
			}
			key := strings.ToLower(addr.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, addr.Address)
		}
	}
	return out, nil
}
