package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

const pgScheduledColumns = `id, user_id, to_addresses, cc_addresses, bcc_addresses, subject, text_body, html_body,
	send_at, status, failure_reason, created_at, canceled_at, sent_at`

// CreateScheduledEmail inserts the email and its attachment rows in one transaction.
func (s *Postgres) CreateScheduledEmail(ctx context.Context, email models.ScheduledEmail) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduled_emails (id, user_id, to_addresses, cc_addresses, bcc_addresses, subject, text_body, html_body, send_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, email.ID, email.UserID, nonNil(email.To), nonNil(email.Cc), nonNil(email.Bcc), email.Subject, email.Text, email.HTML,
		email.SendAt.UTC(), email.Status, email.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert scheduled email: %w", err)
	}
	for _, a := range email.Attachments {
		_, err = tx.Exec(ctx, `
			INSERT INTO scheduled_email_attachments (id, scheduled_email_id, filename, content_type, size, content)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, email.ID, a.Filename, a.ContentType, len(a.Content), a.Content)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetScheduledEmail loads one of the user's scheduled emails with attachment metadata.
func (s *Postgres) GetScheduledEmail(ctx context.Context, userID, id string) (models.ScheduledEmail, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgScheduledColumns+` FROM scheduled_emails WHERE id = $1 AND user_id = $2`, id, userID)
	email, err := scanPgScheduled(row)
	if err != nil {
		return models.ScheduledEmail{}, err
	}
	meta, err := s.attachmentMeta(ctx, []string{email.ID})
	if err != nil {
		return models.ScheduledEmail{}, err
	}
	email.Attachments = meta[email.ID]
	return email, nil
}

// ListScheduledEmails returns the user's emails, latest send time first.
func (s *Postgres) ListScheduledEmails(ctx context.Context, userID string, statuses []models.ScheduledEmailStatus) ([]models.ScheduledEmail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgScheduledColumns+` FROM scheduled_emails
		WHERE user_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY send_at DESC
	`, userID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query scheduled emails: %w", err)
	}
	emails, err := collectPgScheduled(rows)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(emails))
	for _, e := range emails {
		ids = append(ids, e.ID)
	}
	meta, err := s.attachmentMeta(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range emails {
		emails[i].Attachments = meta[emails[i].ID]
	}
	return emails, nil
}

// ListDueScheduledEmails returns up to limit PENDING emails whose send time has passed.
func (s *Postgres) ListDueScheduledEmails(ctx context.Context, now time.Time, limit int) ([]models.ScheduledEmail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgScheduledColumns+` FROM scheduled_emails
		WHERE status = $1 AND send_at <= $2
		ORDER BY send_at ASC
		LIMIT $3
	`, models.ScheduledPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled emails: %w", err)
	}
	return collectPgScheduled(rows)
}

// ListAttachmentContents loads attachment rows including their binary content.
func (s *Postgres) ListAttachmentContents(ctx context.Context, emailID string) ([]models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, filename, content_type, size, content FROM scheduled_email_attachments
		WHERE scheduled_email_id = $1 ORDER BY filename ASC, id ASC
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	out := []models.Attachment{}
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.Filename, &a.ContentType, &a.Size, &a.Content); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LeaseScheduledEmail claims a due email for sending (PENDING -> SENDING).
func (s *Postgres) LeaseScheduledEmail(ctx context.Context, id string) (bool, error) {
	return s.execCAS(ctx, "lease scheduled email", `
		UPDATE scheduled_emails SET status = $2 WHERE id = $1 AND status = $3
	`, id, models.ScheduledSending, models.ScheduledPending)
}

// MarkScheduledEmailSent records a successful send (SENDING -> SENT).
func (s *Postgres) MarkScheduledEmailSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	return s.execCAS(ctx, "mark scheduled email sent", `
		UPDATE scheduled_emails SET status = $2, sent_at = $3, failure_reason = NULL WHERE id = $1 AND status = $4
	`, id, models.ScheduledSent, sentAt.UTC(), models.ScheduledSending)
}

// MarkScheduledEmailFailed records a failed send (SENDING -> FAILED).
func (s *Postgres) MarkScheduledEmailFailed(ctx context.Context, id, reason string) (bool, error) {
	return s.execCAS(ctx, "mark scheduled email failed", `
		UPDATE scheduled_emails SET status = $2, failure_reason = $3 WHERE id = $1 AND status = $4
	`, id, models.ScheduledFailed, reason, models.ScheduledSending)
}

// CancelScheduledEmail flips a PENDING email to CANCELLED.
func (s *Postgres) CancelScheduledEmail(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	return s.execCAS(ctx, "cancel scheduled email", `
		UPDATE scheduled_emails SET status = $3, canceled_at = $4
		WHERE id = $1 AND user_id = $2 AND status = $5
	`, id, userID, models.ScheduledCancelled, at.UTC(), models.ScheduledPending)
}

// RescheduleScheduledEmail moves a PENDING or FAILED email back to PENDING at a new time.
func (s *Postgres) RescheduleScheduledEmail(ctx context.Context, userID, id string, sendAt time.Time) (bool, error) {
	return s.execCAS(ctx, "reschedule scheduled email", `
		UPDATE scheduled_emails SET status = $3, send_at = $4, failure_reason = NULL
		WHERE id = $1 AND user_id = $2 AND status IN ($5, $6)
	`, id, userID, models.ScheduledPending, sendAt.UTC(), models.ScheduledPending, models.ScheduledFailed)
}

// CreateEmailLog inserts a user-visible document email record.
func (s *Postgres) CreateEmailLog(ctx context.Context, log models.EmailLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_logs (id, user_id, document_type, document_id, to_address, subject, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, log.ID, log.UserID, log.DocumentType, log.DocumentID, log.To, log.Subject, log.Status, log.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

// GetEmailLog fetches an email log by id.
func (s *Postgres) GetEmailLog(ctx context.Context, id string) (models.EmailLog, error) {
	var l models.EmailLog
	var errText pgtype.Text
	var sentAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, document_type, document_id, to_address, subject, status, error, sent_at, created_at
		FROM email_logs WHERE id = $1
	`, id).Scan(&l.ID, &l.UserID, &l.DocumentType, &l.DocumentID, &l.To, &l.Subject, &l.Status, &errText, &sentAt, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EmailLog{}, fmt.Errorf("email log: %w", ErrNotFound)
		}
		return models.EmailLog{}, fmt.Errorf("scan email log: %w", err)
	}
	l.Error = textPtr(errText)
	l.SentAt = timestamptzPtr(sentAt)
	return l, nil
}

// DeleteEmailLog removes a placeholder log.
func (s *Postgres) DeleteEmailLog(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM email_logs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete email log: %w", err)
	}
	return nil
}

// MarkEmailLogSent flags a log ENVOYE and clears any earlier attempt error.
func (s *Postgres) MarkEmailLogSent(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE email_logs SET status = $2, sent_at = $3, error = NULL WHERE id = $1
	`, id, models.EmailLogSent, at.UTC()); err != nil {
		return fmt.Errorf("mark email log sent: %w", err)
	}
	return nil
}

// MarkEmailLogFailed flags a log ECHEC with the attempt error.
func (s *Postgres) MarkEmailLogFailed(ctx context.Context, id, message string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE email_logs SET status = $2, error = $3 WHERE id = $1
	`, id, models.EmailLogFailed, message); err != nil {
		return fmt.Errorf("mark email log failed: %w", err)
	}
	return nil
}

const pgSettingsColumns = `user_id, from_email, from_name, imap_host, imap_port, imap_user, imap_secure, imap_password,
	smtp_host, smtp_port, smtp_user, smtp_secure, smtp_password, auto_reply_enabled, vacation_mode_enabled,
	vacation_start_date, vacation_end_date`

// SaveMessagingSettings upserts a user's mailbox configuration.
func (s *Postgres) SaveMessagingSettings(ctx context.Context, m models.MessagingSettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messaging_settings (`+pgSettingsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (user_id) DO UPDATE SET
			from_email = EXCLUDED.from_email, from_name = EXCLUDED.from_name,
			imap_host = EXCLUDED.imap_host, imap_port = EXCLUDED.imap_port, imap_user = EXCLUDED.imap_user,
			imap_secure = EXCLUDED.imap_secure, imap_password = EXCLUDED.imap_password,
			smtp_host = EXCLUDED.smtp_host, smtp_port = EXCLUDED.smtp_port, smtp_user = EXCLUDED.smtp_user,
			smtp_secure = EXCLUDED.smtp_secure, smtp_password = EXCLUDED.smtp_password,
			auto_reply_enabled = EXCLUDED.auto_reply_enabled, vacation_mode_enabled = EXCLUDED.vacation_mode_enabled,
			vacation_start_date = EXCLUDED.vacation_start_date, vacation_end_date = EXCLUDED.vacation_end_date
	`, m.UserID, m.FromEmail, m.FromName, m.IMAPHost, m.IMAPPort, m.IMAPUser, m.IMAPSecure, m.IMAPPasswordSealed,
		m.SMTPHost, m.SMTPPort, m.SMTPUser, m.SMTPSecure, m.SMTPPasswordSealed, m.AutoReplyEnabled, m.VacationModeEnabled,
		m.VacationStartDate, m.VacationEndDate)
	if err != nil {
		return fmt.Errorf("save messaging settings: %w", err)
	}
	return nil
}

// GetMessagingSettings loads a user's mailbox configuration.
func (s *Postgres) GetMessagingSettings(ctx context.Context, userID string) (models.MessagingSettings, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSettingsColumns+` FROM messaging_settings WHERE user_id = $1`, userID)
	return scanPgSettings(row)
}

// ListAutoReplyCandidates returns users with auto-reply or vacation mode on and both hosts configured.
// The vacation date window is evaluated by the caller.
func (s *Postgres) ListAutoReplyCandidates(ctx context.Context) ([]models.MessagingSettings, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgSettingsColumns+` FROM messaging_settings
		WHERE (auto_reply_enabled OR vacation_mode_enabled) AND imap_host <> '' AND smtp_host <> ''
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query auto-reply candidates: %w", err)
	}
	defer rows.Close()

	out := []models.MessagingSettings{}
	for rows.Next() {
		m, err := scanPgSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) attachmentMeta(ctx context.Context, emailIDs []string) (map[string][]models.Attachment, error) {
	out := make(map[string][]models.Attachment, len(emailIDs))
	if len(emailIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT scheduled_email_id, id, filename, content_type, size FROM scheduled_email_attachments
		WHERE scheduled_email_id = ANY($1::text[]) ORDER BY filename ASC, id ASC
	`, emailIDs)
	if err != nil {
		return nil, fmt.Errorf("query attachment metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var emailID string
		var a models.Attachment
		if err := rows.Scan(&emailID, &a.ID, &a.Filename, &a.ContentType, &a.Size); err != nil {
			return nil, fmt.Errorf("scan attachment metadata: %w", err)
		}
		out[emailID] = append(out[emailID], a)
	}
	return out, rows.Err()
}

func (s *Postgres) execCAS(ctx context.Context, op, sql string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectPgScheduled(rows pgx.Rows) ([]models.ScheduledEmail, error) {
	defer rows.Close()
	out := []models.ScheduledEmail{}
	for rows.Next() {
		e, err := scanPgScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPgScheduled(row pgx.Row) (models.ScheduledEmail, error) {
	var e models.ScheduledEmail
	var reason pgtype.Text
	var canceledAt, sentAt pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.UserID, &e.To, &e.Cc, &e.Bcc, &e.Subject, &e.Text, &e.HTML, &e.SendAt, &e.Status,
		&reason, &e.CreatedAt, &canceledAt, &sentAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ScheduledEmail{}, fmt.Errorf("scheduled email: %w", ErrNotFound)
		}
		return models.ScheduledEmail{}, fmt.Errorf("scan scheduled email: %w", err)
	}
	e.FailureReason = textPtr(reason)
	e.CanceledAt = timestamptzPtr(canceledAt)
	e.SentAt = timestamptzPtr(sentAt)
	return e, nil
}

func scanPgSettings(row pgx.Row) (models.MessagingSettings, error) {
	var m models.MessagingSettings
	var start, end pgtype.Date
	if err := row.Scan(&m.UserID, &m.FromEmail, &m.FromName, &m.IMAPHost, &m.IMAPPort, &m.IMAPUser, &m.IMAPSecure,
		&m.IMAPPasswordSealed, &m.SMTPHost, &m.SMTPPort, &m.SMTPUser, &m.SMTPSecure, &m.SMTPPasswordSealed,
		&m.AutoReplyEnabled, &m.VacationModeEnabled, &start, &end); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MessagingSettings{}, fmt.Errorf("messaging settings: %w", ErrNotFound)
		}
		return models.MessagingSettings{}, fmt.Errorf("scan messaging settings: %w", err)
	}
	m.VacationStartDate = datePtr(start)
	m.VacationEndDate = datePtr(end)
	return m, nil
}

func datePtr(d pgtype.Date) *time.Time {
	if d.Valid {
		v := d.Time
		return &v
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
