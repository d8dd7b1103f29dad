package mail

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/store"
)

// stubProvider only serves content; listing is never called here.
type stubProvider struct {
	contentCalls    int
	attachmentCalls int
	attachmentErr   error
}

func (s *stubProvider) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) ListDelta(ctx context.Context, folderID, cursor string, pageSize int) (*Page, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) ListFull(ctx context.Context, folderID string, since time.Time, nextLink string, pageSize int) (*Page, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) GetMessageContent(ctx context.Context, msgUID string) (*MessageContent, error) {
	s.contentCalls++
	return &MessageContent{
		Headers:   "Message-ID: <m1@x>\r\n",
		BodyPlain: "hello",
		BodyHTML:  "<p>hello</p>",
		Attachments: []AttachmentMeta{
			{UID: "att-9", Name: "notes.txt", ContentType: "text/plain", SizeBytes: 5},
		},
	}, nil
}

func (s *stubProvider) GetAttachment(ctx context.Context, msgUID, attachmentUID string) (*AttachmentContent, error) {
	s.attachmentCalls++
	if s.attachmentErr != nil {
		return nil, s.attachmentErr
	}
	return &AttachmentContent{Name: "notes.txt", ContentType: "text/plain", Data: []byte("notes")}, nil
}

func newTestDownloader(t *testing.T) (*Downloader, *store.Store, *store.Message) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertFolder(ctx, &store.Folder{
		FolderID: "f1", GroupID: "g1", DisplayName: "Inbox",
	}))
	_, _, err = st.IngestPage(ctx, "g1", "f1", []store.MessageInput{{
		GroupID:        "g1",
		MsgUID:         "m1",
		FolderID:       "f1",
		Subject:        "with attachment",
		FromAddr:       "a@x.com",
		ReceivedAt:     "2026-08-01T10:00:00Z",
		HasAttachments: true,
	}}, store.FolderCursor{})
	require.NoError(t, err)

	msgs, _, err := st.ListMessages(ctx, store.MessageFilter{GroupID: "g1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return &Downloader{Store: st, DataDir: t.TempDir(), Logger: logger}, st, &msgs[0]
}

func TestContentDownloadedOnce(t *testing.T) {
	d, st, msg := newTestDownloader(t)
	ctx := context.Background()
	p := &stubProvider{}

	body, err := d.Content(ctx, p, msg)
	require.NoError(t, err)
	assert.Equal(t, "hello", body.BodyPlain)
	assert.Equal(t, 1, p.contentCalls)

	// Attachment metadata discovered with the body is registered.
	atts, err := st.ListAttachments(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "att-9", atts[0].AttachmentUID)
	assert.Equal(t, store.DownloadPending, atts[0].DownloadStatus)

	// Second read is served from the store.
	body, err = d.Content(ctx, p, msg)
	require.NoError(t, err)
	assert.Equal(t, "hello", body.BodyPlain)
	assert.Equal(t, 1, p.contentCalls)
}

func TestAttachmentDownloadAndReserve(t *testing.T) {
	d, st, msg := newTestDownloader(t)
	ctx := context.Background()
	p := &stubProvider{}

	_, err := d.Content(ctx, p, msg)
	require.NoError(t, err)
	atts, err := st.ListAttachments(ctx, msg.ID)
	require.NoError(t, err)

	got, err := d.Attachment(ctx, p, msg, &atts[0])
	require.NoError(t, err)
	assert.Equal(t, store.DownloadDone, got.DownloadStatus)
	data, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "notes", string(data))
	assert.Equal(t, 1, p.attachmentCalls)

	// A DONE attachment with its file still on disk is served as is.
	got, err = d.Attachment(ctx, p, msg, got)
	require.NoError(t, err)
	assert.Equal(t, 1, p.attachmentCalls)

	// If the file vanishes the bytes are fetched again.
	require.NoError(t, os.Remove(got.FilePath))
	got, err = d.Attachment(ctx, p, msg, got)
	require.NoError(t, err)
	assert.Equal(t, 2, p.attachmentCalls)
	_, err = os.Stat(got.FilePath)
	require.NoError(t, err)
}

func TestAttachmentFailureIsRetryable(t *testing.T) {
	d, st, msg := newTestDownloader(t)
	ctx := context.Background()
	p := &stubProvider{attachmentErr: errors.New("transport closed")}

	_, err := d.Content(ctx, p, msg)
	require.NoError(t, err)
	atts, err := st.ListAttachments(ctx, msg.ID)
	require.NoError(t, err)

	_, err = d.Attachment(ctx, p, msg, &atts[0])
	require.Error(t, err)

	got, err := st.GetAttachment(ctx, atts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.DownloadFailed, got.DownloadStatus)
	assert.Equal(t, "transport closed", got.Error)

	p.attachmentErr = nil
	done, err := d.Attachment(ctx, p, msg, got)
	require.NoError(t, err)
	assert.Equal(t, store.DownloadDone, done.DownloadStatus)
}

func TestAttachmentClaimedElsewhere(t *testing.T) {
	d, st, msg := newTestDownloader(t)
	ctx := context.Background()
	p := &stubProvider{}

	_, err := d.Content(ctx, p, msg)
	require.NoError(t, err)
	atts, err := st.ListAttachments(ctx, msg.ID)
	require.NoError(t, err)

	claimed, err := st.ClaimAttachmentDownload(ctx, atts[0].ID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = d.Attachment(ctx, p, msg, &atts[0])
	require.ErrorIs(t, err, ErrDownloadBusy)
}
