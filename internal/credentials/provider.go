package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AzizBrinis/invoice-app-sub004/internal/email"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
)

// ErrNotConfigured means the user has no usable SMTP account.
var ErrNotConfigured = errors.New("messaging is not configured")

// DecryptError reports a stored password that could not be opened, usually after a key rotation.
type DecryptError struct {
	UserID string
	Field  string
	Err    error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt %s for user %s: %v", e.Field, e.UserID, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Server is one mailbox endpoint with its opened password.
type Server struct {
	Host     string
	Port     int
	User     string
	Password string
	Secure   bool
}

// Credentials is everything needed to send as, and read the inbox of, one user.
type Credentials struct {
	UserID    string
	FromEmail string
	FromName  string
	SMTP      Server
	IMAP      Server
}

// Account returns the SMTP identity used by the email transport.
func (c Credentials) Account() email.Account {
	from := c.FromEmail
	if from == "" {
		from = c.SMTP.User
	}
	return email.Account{
		Host:      c.SMTP.Host,
		Port:      c.SMTP.Port,
		Username:  c.SMTP.User,
		Password:  c.SMTP.Password,
		Secure:    c.SMTP.Secure,
		FromEmail: from,
		FromName:  c.FromName,
	}
}

// Provider resolves a user's messaging credentials.
type Provider interface {
	Resolve(ctx context.Context, userID string) (Credentials, error)
}

// SettingsReader is the slice of the store the provider reads.
type SettingsReader interface {
	GetMessagingSettings(ctx context.Context, userID string) (models.MessagingSettings, error)
}

// StoreProvider reads messaging_settings rows and opens the sealed passwords.
type StoreProvider struct {
	settings SettingsReader
	cipher   *Cipher
}

func NewStoreProvider(settings SettingsReader, cipher *Cipher) *StoreProvider {
	return &StoreProvider{settings: settings, cipher: cipher}
}

// Resolve loads and decrypts the user's credentials.
func (p *StoreProvider) Resolve(ctx context.Context, userID string) (Credentials, error) {
	m, err := p.settings.GetMessagingSettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Credentials{}, fmt.Errorf("user %s: %w", userID, ErrNotConfigured)
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("load messaging settings: %w", err)
	}
	if strings.TrimSpace(m.SMTPHost) == "" {
		return Credentials{}, fmt.Errorf("user %s has no smtp host: %w", userID, ErrNotConfigured)
	}

	smtpPassword, err := p.open(userID, "smtp password", m.SMTPPasswordSealed)
	if err != nil {
		return Credentials{}, err
	}
	imapPassword, err := p.open(userID, "imap password", m.IMAPPasswordSealed)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		UserID:    userID,
		FromEmail: m.FromEmail,
		FromName:  m.FromName,
		SMTP: Server{
			Host:     m.SMTPHost,
			Port:     m.SMTPPort,
			User:     m.SMTPUser,
			Password: smtpPassword,
			Secure:   m.SMTPSecure,
		},
		IMAP: Server{
			Host:     m.IMAPHost,
			Port:     m.IMAPPort,
			User:     m.IMAPUser,
			Password: imapPassword,
			Secure:   m.IMAPSecure,
		},
	}, nil
}

func (p *StoreProvider) open(userID, field, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if p.cipher == nil {
		return "", &DecryptError{UserID: userID, Field: field, Err: errors.New("credentials key is not configured")}
	}
	plain, err := p.cipher.Open(sealed)
	if err != nil {
		return "", &DecryptError{UserID: userID, Field: field, Err: err}
	}
	return plain, nil
}
