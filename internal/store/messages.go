package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// MessageInput is one normalized provider message handed to ingestion.
type MessageInput struct {
	GroupID        string
	MsgUID         string
	InternetMsgID  string
	FolderID       string
	Subject        string
	FromAddr       string
	FromName       string
	ToJoined       string
	Recipients     []RecipientInput
	LabelsJoined   string
	Flags          string
	Snippet        string
	SentAt         string
	ReceivedAt     string
	SizeBytes      int64
	HasAttachments bool
	Attachments    []AttachmentInput
}

// RecipientInput is one recipient of a message.
type RecipientInput struct {
	Addr string
	Name string
	Kind string // to, cc, bcc
}

// Message is a stored mail message row.
type Message struct {
	ID             int64  `json:"id"`
	GroupID        string `json:"group_id"`
	MsgUID         string `json:"msg_uid"`
	InternetMsgID  string `json:"internet_msg_id,omitempty"`
	FolderID       string `json:"folder_id"`
	Subject        string `json:"subject"`
	FromAddr       string `json:"from_addr"`
	FromName       string `json:"from_name,omitempty"`
	ToJoined       string `json:"to_joined"`
	LabelsJoined   string `json:"labels_joined"`
	Flags          string `json:"flags"`
	Snippet        string `json:"snippet,omitempty"`
	SentAt         string `json:"sent_at,omitempty"`
	ReceivedAt     string `json:"received_at,omitempty"`
	SizeBytes      int64  `json:"size_bytes,omitempty"`
	HasAttachments bool   `json:"has_attachments"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// Body is the lazily downloaded content of a message.
type Body struct {
	MessageID    int64  `json:"message_id"`
	Headers      string `json:"headers,omitempty"`
	BodyPlain    string `json:"body_plain,omitempty"`
	BodyHTML     string `json:"body_html,omitempty"`
	DownloadedAt string `json:"downloaded_at,omitempty"`
}

// MessageFilter narrows ListMessages. Text matches are case-insensitive
// against the lower-cased shadow columns.
type MessageFilter struct {
	GroupID         string
	FolderID        string
	Search          string // subject, from or recipients
	SubjectContains string
	FromContains    string
	ToContains      string
	LabelsContains  string
	HasAttachments  *bool
	Unread          *bool
	ReceivedAfter   string
	ReceivedBefore  string
	Page            int
	Size            int
}

const messageCols = `id, group_id, msg_uid, COALESCE(internet_msg_id,''), folder_id,
	subject, from_addr, from_name, to_joined, labels_joined, flags, snippet,
	COALESCE(sent_at,''), COALESCE(received_at,''), COALESCE(size_bytes,0),
	has_attachments, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.GroupID, &m.MsgUID, &m.InternetMsgID, &m.FolderID,
		&m.Subject, &m.FromAddr, &m.FromName, &m.ToJoined, &m.LabelsJoined,
		&m.Flags, &m.Snippet, &m.SentAt, &m.ReceivedAt, &m.SizeBytes,
		&m.HasAttachments, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMessageTx ingests one message, keyed by (group_id, msg_uid). A new
// message is inserted with all derived lower-case columns; a redelivery only
// touches the mutable fields (folder, labels, flags) and never the immutable
// ones (subject, sender, received_at). Returns whether a new row was created.
func (s *Store) UpsertMessageTx(ctx context.Context, tx *sql.Tx, m *MessageInput) (int64, bool, error) {
	var existingID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM mail_messages WHERE group_id = ? AND msg_uid = ?`,
		m.GroupID, m.MsgUID).Scan(&existingID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err := s.insertMessageTx(ctx, tx, m)
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to look up message %s: %w", m.MsgUID, err)
	}

	now := nowRFC3339()
	_, err = tx.ExecContext(ctx, `
		UPDATE mail_messages SET
			folder_id        = ?,
			labels_joined    = ?,
			labels_joined_lc = ?,
			flags            = ?,
			updated_at       = ?
		WHERE id = ?`,
		m.FolderID, m.LabelsJoined, strings.ToLower(m.LabelsJoined), m.Flags, now, existingID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to update message %s: %w", m.MsgUID, err)
	}

	// Redeliveries may carry attachment metadata missed earlier.
	for _, att := range m.Attachments {
		if err := s.RegisterAttachmentTx(ctx, tx, existingID, att); err != nil {
			return 0, false, err
		}
	}
	return existingID, false, nil
}

func (s *Store) insertMessageTx(ctx context.Context, tx *sql.Tx, m *MessageInput) (int64, error) {
	now := nowRFC3339()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO mail_messages (group_id, msg_uid, internet_msg_id, folder_id,
			subject, subject_lc, from_addr, from_addr_lc, from_name, from_name_lc,
			to_joined, to_joined_lc, labels_joined, labels_joined_lc,
			flags, snippet, sent_at, received_at, size_bytes, has_attachments,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.GroupID, m.MsgUID, m.InternetMsgID, m.FolderID,
		m.Subject, strings.ToLower(m.Subject),
		m.FromAddr, strings.ToLower(m.FromAddr),
		m.FromName, strings.ToLower(m.FromName),
		m.ToJoined, strings.ToLower(m.ToJoined),
		m.LabelsJoined, strings.ToLower(m.LabelsJoined),
		m.Flags, m.Snippet, nullable(m.SentAt), nullable(m.ReceivedAt),
		m.SizeBytes, m.HasAttachments, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message %s: %w", m.MsgUID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message id: %w", err)
	}

	seen := make(map[string]bool)
	for _, r := range m.Recipients {
		addrLC := strings.ToLower(strings.TrimSpace(r.Addr))
		if addrLC == "" || seen[addrLC] {
			continue
		}
		seen[addrLC] = true
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO mail_recipients (message_id, addr, addr_lc, name, kind)
			VALUES (?, ?, ?, ?, ?)`,
			id, r.Addr, addrLC, r.Name, r.Kind); err != nil {
			return 0, fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	for _, att := range m.Attachments {
		if err := s.RegisterAttachmentTx(ctx, tx, id, att); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// IngestPage commits one provider page: all message upserts and the cursor
// advance happen in a single transaction, so a crash can never move the
// cursor past messages that were not persisted.
func (s *Store) IngestPage(ctx context.Context, groupID, folderID string, msgs []MessageInput, cur FolderCursor) (inserted, updated int, err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin ingest transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range msgs {
		_, isNew, err := s.UpsertMessageTx(ctx, tx, &msgs[i])
		if err != nil {
			return 0, 0, err
		}
		if isNew {
			inserted++
		} else {
			updated++
		}
	}

	cur.Synced = inserted
	if err := s.SaveCursorTx(ctx, tx, groupID, folderID, cur); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit ingest transaction: %w", err)
	}
	return inserted, updated, nil
}

// GetMessage returns one stored message.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(s.DB.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM mail_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return m, nil
}

// ListMessages returns a filtered page of messages plus the total match count.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]Message, int, error) {
	where := []string{"group_id = ?"}
	args := []any{f.GroupID}

	like := func(col, term string) {
		where = append(where, col+" LIKE ?")
		args = append(args, "%"+strings.ToLower(term)+"%")
	}

	if f.FolderID != "" {
		where = append(where, "folder_id = ?")
		args = append(args, f.FolderID)
	}
	if f.Search != "" {
		term := "%" + strings.ToLower(f.Search) + "%"
		where = append(where, "(subject_lc LIKE ? OR from_addr_lc LIKE ? OR from_name_lc LIKE ? OR to_joined_lc LIKE ?)")
		args = append(args, term, term, term, term)
	}
	if f.SubjectContains != "" {
		like("subject_lc", f.SubjectContains)
	}
	if f.FromContains != "" {
		where = append(where, "(from_addr_lc LIKE ? OR from_name_lc LIKE ?)")
		t := "%" + strings.ToLower(f.FromContains) + "%"
		args = append(args, t, t)
	}
	if f.ToContains != "" {
		like("to_joined_lc", f.ToContains)
	}
	if f.LabelsContains != "" {
		like("labels_joined_lc", f.LabelsContains)
	}
	if f.HasAttachments != nil {
		where = append(where, "has_attachments = ?")
		args = append(args, *f.HasAttachments)
	}
	if f.Unread != nil {
		if *f.Unread {
			where = append(where, "flags LIKE '%UNREAD%'")
		} else {
			where = append(where, "flags NOT LIKE '%UNREAD%'")
		}
	}
	if f.ReceivedAfter != "" {
		where = append(where, "received_at >= ?")
		args = append(args, f.ReceivedAfter)
	}
	if f.ReceivedBefore != "" {
		where = append(where, "received_at <= ?")
		args = append(args, f.ReceivedBefore)
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mail_messages WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	page, size := f.Page, f.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	args = append(args, size, (page-1)*size)

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+messageCols+` FROM mail_messages WHERE `+cond+` ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, total, rows.Err()
}

// GetBody returns a message's downloaded content, or ErrNotFound if the
// message is still metadata-only.
func (s *Store) GetBody(ctx context.Context, messageID int64) (*Body, error) {
	var b Body
	err := s.DB.QueryRowContext(ctx, `
		SELECT message_id, COALESCE(headers,''), COALESCE(body_plain,''), COALESCE(body_html,''), COALESCE(downloaded_at,'')
		FROM mail_bodies WHERE message_id = ?`, messageID).
		Scan(&b.MessageID, &b.Headers, &b.BodyPlain, &b.BodyHTML, &b.DownloadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get body for message %d: %w", messageID, err)
	}
	return &b, nil
}

// SaveBody stores both body representations atomically.
func (s *Store) SaveBody(ctx context.Context, messageID int64, headers, plain, html string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mail_bodies (message_id, headers, body_plain, body_html, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			headers       = excluded.headers,
			body_plain    = excluded.body_plain,
			body_html     = excluded.body_html,
			downloaded_at = excluded.downloaded_at`,
		messageID, nullable(headers), nullable(plain), nullable(html), nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("failed to save body for message %d: %w", messageID, err)
	}
	return nil
}
