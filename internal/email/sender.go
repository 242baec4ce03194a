package email

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/gomail.v2"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

// Account is the SMTP identity a message is sent with.
type Account struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Secure    bool
	FromEmail string
	FromName  string
}

// Attachment is a file attached at send time.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is one outbound email.
type Message struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Sender delivers messages through a user's SMTP account.
type Sender interface {
	Send(ctx context.Context, account Account, msg Message) error
}

// SMTPSender sends through gomail's dialer, one connection per message.
type SMTPSender struct{}

// Send renders the message and delivers it.
func (SMTPSender) Send(ctx context.Context, account Account, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account.Host == "" {
		return errors.New("smtp host is not configured")
	}
	m, err := buildMessage(account, msg)
	if err != nil {
		return err
	}

	d := gomail.NewDialer(account.Host, account.Port, account.Username, account.Password)
	d.SSL = account.Secure
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}
	return nil
}

func buildMessage(account Account, msg Message) (*gomail.Message, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("message has no recipient")
	}
	from := account.FromEmail
	if from == "" {
		from = account.Username
	}
	if from == "" {
		return nil, errors.New("sender address is not configured")
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, account.FromName)
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	for _, a := range msg.Attachments {
		content := a.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		m.Attach(a.Filename, settings...)
	}
	return m, nil
}

// AttachmentsFromModels converts stored attachment rows (with content loaded) into transport attachments.
func AttachmentsFromModels(in []models.Attachment) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, Attachment{Filename: a.Filename, ContentType: ct, Content: a.Content})
	}
	return out
}
