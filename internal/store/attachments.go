package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AttachmentInput is provider attachment metadata registered during ingestion.
type AttachmentInput struct {
	UID         string
	Name        string
	ContentType string
	ContentID   string
	SizeBytes   int64
	IsInline    bool
}

// Attachment is a stored attachment row together with its download state.
type Attachment struct {
	ID             int64  `json:"id"`
	MessageID      int64  `json:"message_id"`
	AttachmentUID  string `json:"attachment_uid"`
	Name           string `json:"name"`
	ContentType    string `json:"content_type"`
	SizeBytes      int64  `json:"size_bytes"`
	IsInline       bool   `json:"is_inline"`
	ContentID      string `json:"content_id,omitempty"`
	DownloadStatus string `json:"download_status"`
	FilePath       string `json:"file_path,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

const attachmentCols = `id, message_id, attachment_uid, name, content_type,
	size_bytes, is_inline, content_id, download_status,
	COALESCE(file_path,''), COALESCE(error,''), created_at, updated_at`

func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.MessageID, &a.AttachmentUID, &a.Name, &a.ContentType,
		&a.SizeBytes, &a.IsInline, &a.ContentID, &a.DownloadStatus,
		&a.FilePath, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RegisterAttachmentTx records attachment metadata in PENDING state. Seeing
// the same attachment again is a no-op, so a completed download is never
// reset by a redelivered message.
func (s *Store) RegisterAttachmentTx(ctx context.Context, tx *sql.Tx, messageID int64, in AttachmentInput) error {
	now := nowRFC3339()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO mail_attachments (message_id, attachment_uid, name,
			content_type, size_bytes, is_inline, content_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageID, in.UID, in.Name, in.ContentType, in.SizeBytes, in.IsInline,
		in.ContentID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to register attachment %s: %w", in.UID, err)
	}
	return nil
}

// RegisterAttachments records metadata outside a page transaction, used when
// the body download discovers attachments that delta listing did not carry.
func (s *Store) RegisterAttachments(ctx context.Context, messageID int64, ins []AttachmentInput) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, in := range ins {
		if err := s.RegisterAttachmentTx(ctx, tx, messageID, in); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetAttachment loads one attachment row.
func (s *Store) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	a, err := scanAttachment(s.DB.QueryRowContext(ctx,
		`SELECT `+attachmentCols+` FROM mail_attachments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %d: %w", id, err)
	}
	return a, nil
}

// ListAttachments returns all attachments of a message.
func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+attachmentCols+` FROM mail_attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var atts []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		atts = append(atts, *a)
	}
	return atts, rows.Err()
}

// ClaimAttachmentDownload moves a PENDING or FAILED attachment to DOWNLOADING.
// The guarded update makes the claim exclusive: a second caller gets false.
func (s *Store) ClaimAttachmentDownload(ctx context.Context, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE mail_attachments SET download_status = ?, error = NULL, updated_at = ?
		WHERE id = ? AND download_status IN (?, ?)`,
		DownloadDownloading, nowRFC3339(), id, DownloadPending, DownloadFailed)
	if err != nil {
		return false, fmt.Errorf("failed to claim attachment %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim attachment %d: %w", id, err)
	}
	return n > 0, nil
}

// CompleteAttachmentDownload marks a download DONE and records where the
// bytes landed.
func (s *Store) CompleteAttachmentDownload(ctx context.Context, id int64, filePath string, sizeBytes int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mail_attachments SET download_status = ?, file_path = ?, size_bytes = ?, error = NULL, updated_at = ?
		WHERE id = ?`,
		DownloadDone, filePath, sizeBytes, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("failed to complete attachment %d: %w", id, err)
	}
	return nil
}

// FailAttachmentDownload marks a download FAILED so it can be claimed again.
func (s *Store) FailAttachmentDownload(ctx context.Context, id int64, msg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mail_attachments SET download_status = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		DownloadFailed, msg, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("failed to mark attachment %d failed: %w", id, err)
	}
	return nil
}
