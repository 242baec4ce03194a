package email

import (
	"bytes"
	"strings"
	"testing"

	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

func TestBuildMessageHeadersAndAttachment(t *testing.T) {
	account := Account{Host: "smtp.example.com", Port: 587, FromEmail: "billing@example.com", FromName: "Billing"}
	msg := Message{
		To:      []string{"client@example.com"},
		Cc:      []string{"copy@example.com"},
		Subject: "Facture INV-1",
		Text:    "Veuillez trouver la facture.",
		HTML:    "<p>Veuillez trouver la facture.</p>",
		Attachments: AttachmentsFromModels([]models.Attachment{
			{Filename: "INV-1.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
		}),
	}

	m, err := buildMessage(account, msg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.String()
	for _, want := range []string{
		`From: "Billing" <billing@example.com>`,
		"To: client@example.com",
		"Cc: copy@example.com",
		"Subject: Facture INV-1",
		"text/html",
		`filename="INV-1.pdf"`,
		"application/pdf",
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %q in message:\n%s", want, raw)
		}
	}
	if strings.Contains(raw, "Bcc:") {
		t.Fatalf("empty Bcc header must be omitted")
	}
}

func TestBuildMessageValidation(t *testing.T) {
	if _, err := buildMessage(Account{FromEmail: "a@example.com"}, Message{}); err == nil {
		t.Fatalf("expected error without recipients")
	}
	if _, err := buildMessage(Account{}, Message{To: []string{"b@example.com"}}); err == nil {
		t.Fatalf("expected error without sender")
	}
}

func TestAttachmentsFromModelsDefaultsContentType(t *testing.T) {
	out := AttachmentsFromModels([]models.Attachment{{Filename: "notes.bin", Content: []byte{1}}})
	if len(out) != 1 || out[0].ContentType != "application/octet-stream" {
		t.Fatalf("unexpected attachments: %+v", out)
	}
}
