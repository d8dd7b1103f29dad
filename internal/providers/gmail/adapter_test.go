package gmail

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailvault/internal/mail"
)

func TestNormalizeMessage(t *testing.T) {
	m := &gmailapi.Message{
		Id:           "18f2a",
		Snippet:      "hi there",
		SizeEstimate: 2048,
		InternalDate: 1754042400000, // 2025-08-01T10:00:00Z
		LabelIds:     []string{"INBOX", "UNREAD", "STARRED", "Label_7", "CATEGORY_PROMOTIONS"},
		Payload: &gmailapi.MessagePart{
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Subject", Value: "Quarterly Report"},
				{Name: "From", Value: "The Boss <boss@example.com>"},
				{Name: "To", Value: "a@x.com, B <b@x.com>"},
				{Name: "Message-ID", Value: "<abc@mail.example.com>"},
				{Name: "Date", Value: "Fri, 01 Aug 2025 11:59:00 +0200"},
			},
		},
	}

	out := normalizeMessage(m, "INBOX")
	assert.Equal(t, "18f2a", out.UID)
	assert.Equal(t, "abc@mail.example.com", out.InternetMsgID)
	assert.Equal(t, "INBOX", out.FolderID)
	assert.Equal(t, "Quarterly Report", out.Subject)
	assert.Equal(t, mail.Address{Addr: "boss@example.com", Name: "The Boss"}, out.From)
	require.Len(t, out.To, 2)
	assert.Equal(t, "b@x.com", out.To[1].Addr)

	assert.False(t, out.IsRead)
	assert.True(t, out.IsFlagged)
	assert.False(t, out.IsDraft)
	// Flag, role and category labels are not user labels.
	assert.Equal(t, []string{"Label_7"}, out.Labels)

	assert.Equal(t, "2025-08-01T10:00:00Z", out.ReceivedAt.Format("2006-01-02T15:04:05Z"))
	assert.Equal(t, "2025-08-01T09:59:00Z", out.SentAt.Format("2006-01-02T15:04:05Z"))
}

func TestCollectParts(t *testing.T) {
	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("plain body")}},
			{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<p>html body</p>")}},
			{
				MimeType: "application/pdf",
				Filename: "report.pdf",
				Body:     &gmailapi.MessagePartBody{AttachmentId: "att-1", Size: 1234},
			},
			{
				MimeType: "image/png",
				Filename: "logo.png",
				Headers:  []*gmailapi.MessagePartHeader{{Name: "Content-ID", Value: "<logo@cid>"}},
				Body:     &gmailapi.MessagePartBody{AttachmentId: "att-2", Size: 99},
			},
		},
	}

	content := &mail.MessageContent{}
	collectParts(payload, content)

	assert.Equal(t, "plain body", content.BodyPlain)
	assert.Equal(t, "<p>html body</p>", content.BodyHTML)
	require.Len(t, content.Attachments, 2)
	assert.Equal(t, "att-1", content.Attachments[0].UID)
	assert.False(t, content.Attachments[0].IsInline)
	assert.Equal(t, "logo@cid", content.Attachments[1].ContentID)
	assert.True(t, content.Attachments[1].IsInline)
}

func TestAddressParsingFallback(t *testing.T) {
	a := parseAddr("not a valid rfc address")
	assert.Equal(t, "not a valid rfc address", a.Addr)

	list := parseAddrList("plainaddr@x.com")
	require.Len(t, list, 1)
	assert.Equal(t, "plainaddr@x.com", list[0].Addr)
}
