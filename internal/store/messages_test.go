package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedFolder(t *testing.T, s *Store, groupID, folderID string) {
	t.Helper()
	require.NoError(t, s.UpsertFolder(context.Background(), &Folder{
		FolderID:    folderID,
		GroupID:     groupID,
		DisplayName: folderID,
	}))
}

func sampleMessage(groupID, uid string) MessageInput {
	return MessageInput{
		GroupID:  groupID,
		MsgUID:   uid,
		FolderID: "f1",
		Subject:  "Quarterly Report",
		FromAddr: "Boss@Example.com",
		FromName: "The Boss",
		ToJoined: "a@x.com;b@x.com",
		Recipients: []RecipientInput{
			{Addr: "a@x.com", Kind: "to"},
			{Addr: "A@X.COM", Kind: "cc"}, // dup modulo case
			{Addr: "b@x.com", Kind: "to"},
		},
		Flags:      "UNREAD",
		ReceivedAt: "2026-08-01T10:00:00Z",
		Attachments: []AttachmentInput{
			{UID: "att-1", Name: "report.pdf", ContentType: "application/pdf", SizeBytes: 1234},
		},
	}
}

func TestIngestPageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	groupID := newTestGroup(t, s, "one@x.com")
	seedFolder(t, s, groupID, "f1")

	msgs := []MessageInput{sampleMessage(groupID, "m1")}
	ins, upd, err := s.IngestPage(ctx, groupID, "f1", msgs, FolderCursor{DeltaLink: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 1, ins)
	assert.Equal(t, 0, upd)

	// Redelivery with changed mutable fields and immutable fields mangled.
	again := sampleMessage(groupID, "m1")
	again.Subject = "SOMETHING ELSE"
	again.ReceivedAt = "2030-01-01T00:00:00Z"
	again.Flags = ""
	again.FolderID = "f2"
	again.LabelsJoined = "Work"
	ins, upd, err = s.IngestPage(ctx, groupID, "f1", []MessageInput{again}, FolderCursor{DeltaLink: "d2"})
	require.NoError(t, err)
	assert.Equal(t, 0, ins)
	assert.Equal(t, 1, upd)

	list, total, err := s.ListMessages(ctx, MessageFilter{GroupID: groupID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	m := list[0]

	// Immutable fields kept from first delivery.
	assert.Equal(t, "Quarterly Report", m.Subject)
	assert.Equal(t, "2026-08-01T10:00:00Z", m.ReceivedAt)
	// Mutable fields updated.
	assert.Equal(t, "f2", m.FolderID)
	assert.Equal(t, "", m.Flags)
	assert.Equal(t, "Work", m.LabelsJoined)
}

func TestIngestPageDeduplicatesRecipients(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	groupID := newTestGroup(t, s, "one@x.com")
	seedFolder(t, s, groupID, "f1")

	_, _, err := s.IngestPage(ctx, groupID, "f1",
		[]MessageInput{sampleMessage(groupID, "m1")}, FolderCursor{})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM mail_recipients`).Scan(&count))
	assert.Equal(t, 2, count, "case-insensitive duplicate should collapse")
}

func TestIngestRedeliveryKeepsAttachmentState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	groupID := newTestGroup(t, s, "one@x.com")
	seedFolder(t, s, groupID, "f1")

	_, _, err := s.IngestPage(ctx, groupID, "f1",
		[]MessageInput{sampleMessage(groupID, "m1")}, FolderCursor{})
	require.NoError(t, err)

	msg, _, err := s.ListMessages(ctx, MessageFilter{GroupID: groupID})
	require.NoError(t, err)
	atts, err := s.ListAttachments(ctx, msg[0].ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.NoError(t, s.CompleteAttachmentDownload(ctx, atts[0].ID, "/tmp/report.pdf", 1234))

	_, _, err = s.IngestPage(ctx, groupID, "f1",
		[]MessageInput{sampleMessage(groupID, "m1")}, FolderCursor{})
	require.NoError(t, err)

	atts, err = s.ListAttachments(ctx, msg[0].ID)
	require.NoError(t, err)
	require.Len(t, atts, 1, "redelivery must not duplicate attachment rows")
	assert.Equal(t, DownloadDone, atts[0].DownloadStatus)
	assert.Equal(t, "/tmp/report.pdf", atts[0].FilePath)
}

func TestSearchUsesShadowColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	groupID := newTestGroup(t, s, "one@x.com")
	seedFolder(t, s, groupID, "f1")

	m := sampleMessage(groupID, "m1")
	_, _, err := s.IngestPage(ctx, groupID, "f1", []MessageInput{m}, FolderCursor{})
	require.NoError(t, err)

	for _, term := range []string{"QUARTERLY", "quarterly", "bOsS@example.COM", "B@X.com"} {
		_, total, err := s.ListMessages(ctx, MessageFilter{GroupID: groupID, Search: term})
		require.NoError(t, err)
		assert.Equal(t, 1, total, "term %q", term)
	}

	_, total, err := s.ListMessages(ctx, MessageFilter{GroupID: groupID, Search: "nothing"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	unread := true
	_, total, err = s.ListMessages(ctx, MessageFilter{GroupID: groupID, Unread: &unread})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSaveBodyUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	groupID := newTestGroup(t, s, "one@x.com")
	seedFolder(t, s, groupID, "f1")

	_, _, err := s.IngestPage(ctx, groupID, "f1",
		[]MessageInput{sampleMessage(groupID, "m1")}, FolderCursor{})
	require.NoError(t, err)
	msgs, _, err := s.ListMessages(ctx, MessageFilter{GroupID: groupID})
	require.NoError(t, err)
	id := msgs[0].ID

	_, err = s.GetBody(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveBody(ctx, id, "From: x\r\n", "plain", "<p>html</p>"))
	body, err := s.GetBody(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "plain", body.BodyPlain)

	require.NoError(t, s.SaveBody(ctx, id, "", "plain2", ""))
	body, err = s.GetBody(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "plain2", body.BodyPlain)
}
