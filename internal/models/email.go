package models

import "time"

// ScheduledEmailStatus is the state of a user-authored, time-delayed email.
type ScheduledEmailStatus string

const (
	ScheduledPending   ScheduledEmailStatus = "PENDING"
	ScheduledSending   ScheduledEmailStatus = "SENDING"
	ScheduledSent      ScheduledEmailStatus = "SENT"
	ScheduledFailed    ScheduledEmailStatus = "FAILED"
	ScheduledCancelled ScheduledEmailStatus = "CANCELLED"
)

// ScheduledEmail is an outbox row sent by the dispatch cycle once SendAt is due.
type ScheduledEmail struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id"`
	To            []string             `json:"to"`
	Cc            []string             `json:"cc,omitempty"`
	Bcc           []string             `json:"bcc,omitempty"`
	Subject       string               `json:"subject"`
	Text          string               `json:"text,omitempty"`
	HTML          string               `json:"html,omitempty"`
	SendAt        time.Time            `json:"send_at"`
	Status        ScheduledEmailStatus `json:"status"`
	FailureReason *string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	CanceledAt    *time.Time           `json:"canceled_at,omitempty"`
	SentAt        *time.Time           `json:"sent_at,omitempty"`
	Attachments   []Attachment         `json:"attachments,omitempty"`
}

// Attachment is an owned file row of a ScheduledEmail. Content is only loaded for sending.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Content     []byte `json:"-"`
}

// EmailLogStatus values are shown verbatim in the invoicing UI.
type EmailLogStatus string

const (
	EmailLogPending EmailLogStatus = "EN_ATTENTE"
	EmailLogSent    EmailLogStatus = "ENVOYE"
	EmailLogFailed  EmailLogStatus = "ECHEC"
)

// DocumentType identifies which business document an EmailLog refers to.
type DocumentType string

const (
	DocumentInvoice DocumentType = "INVOICE"
	DocumentQuote   DocumentType = "QUOTE"
)

// EmailLog is the user-visible record correlated with a document email job.
type EmailLog struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	DocumentType DocumentType   `json:"document_type"`
	DocumentID   string         `json:"document_id"`
	To           string         `json:"to"`
	Subject      string         `json:"subject"`
	Status       EmailLogStatus `json:"status"`
	Error        *string        `json:"error,omitempty"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// MessagingSettings is a user's mailbox configuration. Passwords stay sealed until resolved.
type MessagingSettings struct {
	UserID              string     `json:"user_id"`
	FromEmail           string     `json:"from_email"`
	FromName            string     `json:"from_name"`
	IMAPHost            string     `json:"imap_host"`
	IMAPPort            int        `json:"imap_port"`
	IMAPUser            string     `json:"imap_user"`
	IMAPSecure          bool       `json:"imap_secure"`
	IMAPPasswordSealed  string     `json:"-"`
	SMTPHost            string     `json:"smtp_host"`
	SMTPPort            int        `json:"smtp_port"`
	SMTPUser            string     `json:"smtp_user"`
	SMTPSecure          bool       `json:"smtp_secure"`
	SMTPPasswordSealed  string     `json:"-"`
	AutoReplyEnabled    bool       `json:"auto_reply_enabled"`
	VacationModeEnabled bool       `json:"vacation_mode_enabled"`
	VacationStartDate   *time.Time `json:"vacation_start_date,omitempty"`
	VacationEndDate     *time.Time `json:"vacation_end_date,omitempty"`
}
