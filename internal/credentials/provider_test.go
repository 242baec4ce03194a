package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store/storetest"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("s3cret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, err := c.Seal("hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := c.Open(sealed)
	if err != nil || plain != "hunter2" {
		t.Fatalf("expected hunter2, got %q err=%v", plain, err)
	}

	other, _ := NewCipher("rotated")
	if _, err := other.Open(sealed); err == nil {
		t.Fatalf("expected a different key to fail")
	}
}

func TestStoreProviderResolve(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	c, _ := NewCipher("s3cret")
	sealed, _ := c.Seal("smtp-pass")

	if err := st.SaveMessagingSettings(ctx, models.MessagingSettings{
		UserID:             "u1",
		FromEmail:          "billing@example.com",
		FromName:           "Billing",
		SMTPHost:           "smtp.example.com",
		SMTPPort:           465,
		SMTPUser:           "billing",
		SMTPSecure:         true,
		SMTPPasswordSealed: sealed,
		IMAPHost:           "imap.example.com",
		IMAPPort:           993,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	creds, err := NewStoreProvider(st, c).Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	account := creds.Account()
	if account.Password != "smtp-pass" || account.Port != 465 || !account.Secure || account.FromEmail != "billing@example.com" {
		t.Fatalf("unexpected account: %+v", account)
	}

	_, err = NewStoreProvider(st, c).Resolve(ctx, "missing")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	rotated, _ := NewCipher("rotated")
	_, err = NewStoreProvider(st, rotated).Resolve(ctx, "u1")
	var decryptErr *DecryptError
	if !errors.As(err, &decryptErr) || decryptErr.Field != "smtp password" {
		t.Fatalf("expected DecryptError, got %v", err)
	}
}
