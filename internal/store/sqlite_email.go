package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

const vacationDateLayout = "2006-01-02"

const sqliteScheduledColumns = `id, user_id, to_addresses, cc_addresses, bcc_addresses, subject, text_body, html_body,
	send_at, status, failure_reason, created_at, canceled_at, sent_at`

// CreateScheduledEmail inserts the email and its attachment rows in one transaction.
func (s *SQLite) CreateScheduledEmail(ctx context.Context, email models.ScheduledEmail) error {
	to, err := encodeList(email.To)
	if err != nil {
		return err
	}
	cc, err := encodeList(email.Cc)
	if err != nil {
		return err
	}
	bcc, err := encodeList(email.Bcc)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduled_emails (id, user_id, to_addresses, cc_addresses, bcc_addresses, subject, text_body, html_body, send_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, email.ID, email.UserID, to, cc, bcc, email.Subject, email.Text, email.HTML,
		toMillis(email.SendAt), string(email.Status), toMillis(email.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert scheduled email: %w", err)
	}
	for _, a := range email.Attachments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scheduled_email_attachments (id, scheduled_email_id, filename, content_type, size, content)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.ID, email.ID, a.Filename, a.ContentType, len(a.Content), a.Content)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetScheduledEmail loads one of the user's scheduled emails with attachment metadata.
func (s *SQLite) GetScheduledEmail(ctx context.Context, userID, id string) (models.ScheduledEmail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteScheduledColumns+` FROM scheduled_emails WHERE id = ? AND user_id = ?`, id, userID)
	email, err := scanSQLiteScheduled(row)
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
func (s *SQLite) ListScheduledEmails(ctx context.Context, userID string, statuses []models.ScheduledEmailStatus) ([]models.ScheduledEmail, error) {
	query := `SELECT ` + sqliteScheduledColumns + ` FROM scheduled_emails WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statusStrings(statuses) {
			args = append(args, st)
		}
	}
	query += ` ORDER BY send_at DESC`

	emails, err := s.queryScheduled(ctx, query, args...)
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
func (s *SQLite) ListDueScheduledEmails(ctx context.Context, now time.Time, limit int) ([]models.ScheduledEmail, error) {
	return s.queryScheduled(ctx, `
		SELECT `+sqliteScheduledColumns+` FROM scheduled_emails
		WHERE status = ? AND send_at <= ?
		ORDER BY send_at ASC
		LIMIT ?
	`, string(models.ScheduledPending), toMillis(now), limit)
}

// ListAttachmentContents loads attachment rows including their binary content.
func (s *SQLite) ListAttachmentContents(ctx context.Context, emailID string) ([]models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, content_type, size, content FROM scheduled_email_attachments
		WHERE scheduled_email_id = ? ORDER BY filename ASC, id ASC
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
func (s *SQLite) LeaseScheduledEmail(ctx context.Context, id string) (bool, error) {
	return s.execCAS(ctx, "lease scheduled email", `
		UPDATE scheduled_emails SET status = ? WHERE id = ? AND status = ?
	`, string(models.ScheduledSending), id, string(models.ScheduledPending))
}

// MarkScheduledEmailSent records a successful send (SENDING -> SENT).
func (s *SQLite) MarkScheduledEmailSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	return s.execCAS(ctx, "mark scheduled email sent", `
		UPDATE scheduled_emails SET status = ?, sent_at = ?, failure_reason = NULL WHERE id = ? AND status = ?
	`, string(models.ScheduledSent), toMillis(sentAt), id, string(models.ScheduledSending))
}

// MarkScheduledEmailFailed records a failed send (SENDING -> FAILED).
func (s *SQLite) MarkScheduledEmailFailed(ctx context.Context, id, reason string) (bool, error) {
	return s.execCAS(ctx, "mark scheduled email failed", `
		UPDATE scheduled_emails SET status = ?, failure_reason = ? WHERE id = ? AND status = ?
	`, string(models.ScheduledFailed), reason, id, string(models.ScheduledSending))
}

// CancelScheduledEmail flips a PENDING email to CANCELLED.
func (s *SQLite) CancelScheduledEmail(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	return s.execCAS(ctx, "cancel scheduled email", `
		UPDATE scheduled_emails SET status = ?, canceled_at = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, string(models.ScheduledCancelled), toMillis(at), id, userID, string(models.ScheduledPending))
}

// RescheduleScheduledEmail moves a PENDING or FAILED email back to PENDING at a new time.
func (s *SQLite) RescheduleScheduledEmail(ctx context.Context, userID, id string, sendAt time.Time) (bool, error) {
	return s.execCAS(ctx, "reschedule scheduled email", `
		UPDATE scheduled_emails SET status = ?, send_at = ?, failure_reason = NULL
		WHERE id = ? AND user_id = ? AND status IN (?, ?)
	`, string(models.ScheduledPending), toMillis(sendAt), id, userID,
		string(models.ScheduledPending), string(models.ScheduledFailed))
}

// CreateEmailLog inserts a user-visible document email record.
func (s *SQLite) CreateEmailLog(ctx context.Context, log models.EmailLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_logs (id, user_id, document_type, document_id, to_address, subject, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.UserID, string(log.DocumentType), log.DocumentID, log.To, log.Subject, string(log.Status), toMillis(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

// GetEmailLog fetches an email log by id.
func (s *SQLite) GetEmailLog(ctx context.Context, id string) (models.EmailLog, error) {
	var l models.EmailLog
	var errText sql.NullString
	var sentAt sql.NullInt64
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, document_type, document_id, to_address, subject, status, error, sent_at, created_at
		FROM email_logs WHERE id = ?
	`, id).Scan(&l.ID, &l.UserID, &l.DocumentType, &l.DocumentID, &l.To, &l.Subject, &l.Status, &errText, &sentAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EmailLog{}, fmt.Errorf("email log: %w", ErrNotFound)
		}
		return models.EmailLog{}, fmt.Errorf("scan email log: %w", err)
	}
	l.Error = nullStringPtr(errText)
	l.SentAt = nullMillisPtr(sentAt)
	l.CreatedAt = fromMillis(createdAt)
	return l, nil
}

// DeleteEmailLog removes a placeholder log.
func (s *SQLite) DeleteEmailLog(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM email_logs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete email log: %w", err)
	}
	return nil
}

// MarkEmailLogSent flags a log ENVOYE and clears any earlier attempt error.
func (s *SQLite) MarkEmailLogSent(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE email_logs SET status = ?, sent_at = ?, error = NULL WHERE id = ?
	`, string(models.EmailLogSent), toMillis(at), id); err != nil {
		return fmt.Errorf("mark email log sent: %w", err)
	}
	return nil
}

// MarkEmailLogFailed flags a log ECHEC with the attempt error.
func (s *SQLite) MarkEmailLogFailed(ctx context.Context, id, message string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE email_logs SET status = ?, error = ? WHERE id = ?
	`, string(models.EmailLogFailed), message, id); err != nil {
		return fmt.Errorf("mark email log failed: %w", err)
	}
	return nil
}

const sqliteSettingsColumns = `user_id, from_email, from_name, imap_host, imap_port, imap_user, imap_secure, imap_password,
	smtp_host, smtp_port, smtp_user, smtp_secure, smtp_password, auto_reply_enabled, vacation_mode_enabled,
	vacation_start_date, vacation_end_date`

// SaveMessagingSettings upserts a user's mailbox configuration.
func (s *SQLite) SaveMessagingSettings(ctx context.Context, m models.MessagingSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messaging_settings (`+sqliteSettingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			from_email = excluded.from_email, from_name = excluded.from_name,
			imap_host = excluded.imap_host, imap_port = excluded.imap_port, imap_user = excluded.imap_user,
			imap_secure = excluded.imap_secure, imap_password = excluded.imap_password,
			smtp_host = excluded.smtp_host, smtp_port = excluded.smtp_port, smtp_user = excluded.smtp_user,
			smtp_secure = excluded.smtp_secure, smtp_password = excluded.smtp_password,
			auto_reply_enabled = excluded.auto_reply_enabled, vacation_mode_enabled = excluded.vacation_mode_enabled,
			vacation_start_date = excluded.vacation_start_date, vacation_end_date = excluded.vacation_end_date
	`, m.UserID, m.FromEmail, m.FromName, m.IMAPHost, m.IMAPPort, m.IMAPUser, m.IMAPSecure, m.IMAPPasswordSealed,
		m.SMTPHost, m.SMTPPort, m.SMTPUser, m.SMTPSecure, m.SMTPPasswordSealed, m.AutoReplyEnabled, m.VacationModeEnabled,
		dateOrNil(m.VacationStartDate), dateOrNil(m.VacationEndDate))
	if err != nil {
		return fmt.Errorf("save messaging settings: %w", err)
	}
	return nil
}

// GetMessagingSettings loads a user's mailbox configuration.
func (s *SQLite) GetMessagingSettings(ctx context.Context, userID string) (models.MessagingSettings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSettingsColumns+` FROM messaging_settings WHERE user_id = ?`, userID)
	return scanSQLiteSettings(row)
}

// ListAutoReplyCandidates returns users with auto-reply or vacation mode on and both hosts configured.
// The vacation date window is evaluated by the caller.
func (s *SQLite) ListAutoReplyCandidates(ctx context.Context) ([]models.MessagingSettings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteSettingsColumns+` FROM messaging_settings
		WHERE (auto_reply_enabled = 1 OR vacation_mode_enabled = 1) AND imap_host <> '' AND smtp_host <> ''
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query auto-reply candidates: %w", err)
	}
	defer rows.Close()

	out := []models.MessagingSettings{}
	for rows.Next() {
		m, err := scanSQLiteSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// queryScheduled drains the result set before returning so follow-up queries can reuse the single connection.
func (s *SQLite) queryScheduled(ctx context.Context, query string, args ...any) ([]models.ScheduledEmail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled emails: %w", err)
	}
	defer rows.Close()

	out := []models.ScheduledEmail{}
	for rows.Next() {
		e, err := scanSQLiteScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) attachmentMeta(ctx context.Context, emailIDs []string) (map[string][]models.Attachment, error) {
	out := make(map[string][]models.Attachment, len(emailIDs))
	if len(emailIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(emailIDs))
	for _, id := range emailIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT scheduled_email_id, id, filename, content_type, size FROM scheduled_email_attachments
		WHERE scheduled_email_id IN (`+placeholders(len(emailIDs))+`) ORDER BY filename ASC, id ASC
	`, args...)
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

func scanSQLiteScheduled(row rowScanner) (models.ScheduledEmail, error) {
	var e models.ScheduledEmail
	var to, cc, bcc string
	var reason sql.NullString
	var sendAt, createdAt int64
	var canceledAt, sentAt sql.NullInt64
	if err := row.Scan(&e.ID, &e.UserID, &to, &cc, &bcc, &e.Subject, &e.Text, &e.HTML, &sendAt, &e.Status,
		&reason, &createdAt, &canceledAt, &sentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ScheduledEmail{}, fmt.Errorf("scheduled email: %w", ErrNotFound)
		}
		return models.ScheduledEmail{}, fmt.Errorf("scan scheduled email: %w", err)
	}
	var err error
	if e.To, err = decodeList(to); err != nil {
		return models.ScheduledEmail{}, err
	}
	if e.Cc, err = decodeList(cc); err != nil {
		return models.ScheduledEmail{}, err
	}
	if e.Bcc, err = decodeList(bcc); err != nil {
		return models.ScheduledEmail{}, err
	}
	e.SendAt = fromMillis(sendAt)
	e.CreatedAt = fromMillis(createdAt)
	e.FailureReason = nullStringPtr(reason)
	e.CanceledAt = nullMillisPtr(canceledAt)
	e.SentAt = nullMillisPtr(sentAt)
	return e, nil
}

func scanSQLiteSettings(row rowScanner) (models.MessagingSettings, error) {
	var m models.MessagingSettings
	var start, end sql.NullString
	if err := row.Scan(&m.UserID, &m.FromEmail, &m.FromName, &m.IMAPHost, &m.IMAPPort, &m.IMAPUser, &m.IMAPSecure,
		&m.IMAPPasswordSealed, &m.SMTPHost, &m.SMTPPort, &m.SMTPUser, &m.SMTPSecure, &m.SMTPPasswordSealed,
		&m.AutoReplyEnabled, &m.VacationModeEnabled, &start, &end); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MessagingSettings{}, fmt.Errorf("messaging settings: %w", ErrNotFound)
		}
		return models.MessagingSettings{}, fmt.Errorf("scan messaging settings: %w", err)
	}
	var err error
	if m.VacationStartDate, err = parseDate(start); err != nil {
		return models.MessagingSettings{}, err
	}
	if m.VacationEndDate, err = parseDate(end); err != nil {
		return models.MessagingSettings{}, err
	}
	return m, nil
}

func encodeList(v []string) (string, error) {
	b, err := json.Marshal(nonNil(v))
	if err != nil {
		return "", fmt.Errorf("encode address list: %w", err)
	}
	return string(b), nil
}

func decodeList(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode address list: %w", err)
	}
	return out, nil
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(vacationDateLayout)
}

func parseDate(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(vacationDateLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse vacation date %q: %w", v.String, err)
	}
	return &t, nil
}
