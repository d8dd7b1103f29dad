package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Martian-dev/mailvault/internal/store"
)

// ErrDownloadBusy means another worker holds the attachment's download claim.
var ErrDownloadBusy = errors.New("attachment download in progress")

// Downloader fetches message content on demand. Sync only stores metadata;
// bodies and attachment bytes are pulled the first time someone asks.
type Downloader struct {
	Store   *store.Store
	DataDir string
	Logger  *slog.Logger
}

// Content returns the message body, downloading and persisting it on first
// access. Attachment metadata discovered alongside the body is registered.
func (d *Downloader) Content(ctx context.Context, p Provider, msg *store.Message) (*store.Body, error) {
	body, err := d.Store.GetBody(ctx, msg.ID)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	content, err := p.GetMessageContent(ctx, msg.MsgUID)
	if err != nil {
		return nil, fmt.Errorf("failed to download message %s: %w", msg.MsgUID, err)
	}
	if err := d.Store.SaveBody(ctx, msg.ID, content.Headers, content.BodyPlain, content.BodyHTML); err != nil {
		return nil, err
	}

	if len(content.Attachments) > 0 {
		ins := make([]store.AttachmentInput, 0, len(content.Attachments))
		for _, a := range content.Attachments {
			ins = append(ins, store.AttachmentInput{
				UID:         a.UID,
				Name:        a.Name,
				ContentType: a.ContentType,
				ContentID:   a.ContentID,
				SizeBytes:   a.SizeBytes,
				IsInline:    a.IsInline,
			})
		}
		if err := d.Store.RegisterAttachments(ctx, msg.ID, ins); err != nil {
			return nil, err
		}
	}

	d.Logger.Debug("message content downloaded", "group", msg.GroupID, "msg_uid", msg.MsgUID,
		"attachments", len(content.Attachments))
	return d.Store.GetBody(ctx, msg.ID)
}

// Attachment returns a local file path for the attachment, downloading the
// bytes on first access. A DONE attachment whose file is still on disk is
// served as is; a FAILED one is retried.
func (d *Downloader) Attachment(ctx context.Context, p Provider, msg *store.Message, att *store.Attachment) (*store.Attachment, error) {
	if att.DownloadStatus == store.DownloadDone && att.FilePath != "" {
		if _, err := os.Stat(att.FilePath); err == nil {
			return att, nil
		}
		// The file vanished; fall through and fetch again.
		if err := d.Store.FailAttachmentDownload(ctx, att.ID, "file missing on disk"); err != nil {
			return nil, err
		}
	}

	claimed, err := d.Store.ClaimAttachmentDownload(ctx, att.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("attachment %d: %w", att.ID, ErrDownloadBusy)
	}

	content, err := p.GetAttachment(ctx, msg.MsgUID, att.AttachmentUID)
	if err != nil {
		if ferr := d.Store.FailAttachmentDownload(ctx, att.ID, err.Error()); ferr != nil {
			d.Logger.Error("failed to record download failure", "attachment", att.ID, "error", ferr)
		}
		return nil, fmt.Errorf("failed to download attachment %s: %w", att.AttachmentUID, err)
	}

	dir := filepath.Join(d.DataDir, msg.GroupID, msg.MsgUID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		if ferr := d.Store.FailAttachmentDownload(ctx, att.ID, err.Error()); ferr != nil {
			d.Logger.Error("failed to record download failure", "attachment", att.ID, "error", ferr)
		}
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	name := content.Name
	if name == "" {
		name = att.Name
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%s", att.ID, sanitizeFilename(name)))
	if err := os.WriteFile(path, content.Data, 0644); err != nil {
		if ferr := d.Store.FailAttachmentDownload(ctx, att.ID, err.Error()); ferr != nil {
			d.Logger.Error("failed to record download failure", "attachment", att.ID, "error", ferr)
		}
		return nil, fmt.Errorf("failed to write attachment file: %w", err)
	}

	if err := d.Store.CompleteAttachmentDownload(ctx, att.ID, path, int64(len(content.Data))); err != nil {
		return nil, err
	}
	d.Logger.Info("attachment downloaded", "group", msg.GroupID, "msg_uid", msg.MsgUID,
		"attachment", att.AttachmentUID, "bytes", len(content.Data))
	return d.Store.GetAttachment(ctx, att.ID)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", "\x00", "_")
	name = replacer.Replace(name)
	if name == "" || name == "." {
		name = "attachment"
	}
	return name
}
