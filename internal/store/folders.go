package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Folder is per-group folder metadata together with its own delta cursor.
// Each folder synchronizes independently.
type Folder struct {
	FolderID       string `json:"folder_id"`
	GroupID        string `json:"group_id"`
	DisplayName    string `json:"display_name"`
	WellKnownName  string `json:"well_known_name"`
	ParentFolderID string `json:"parent_folder_id,omitempty"`
	TotalCount     int    `json:"total_count"`
	UnreadCount    int    `json:"unread_count"`
	DeltaLink      string `json:"-"`
	SkipToken      string `json:"-"`
	LastSyncAt     string `json:"last_sync_at,omitempty"`
	LastMsgUID     string `json:"last_msg_uid,omitempty"`
	SyncedCount    int    `json:"synced_count"`
}

// FolderCursor is the durable sync position of one folder.
type FolderCursor struct {
	DeltaLink  string
	SkipToken  string
	LastSyncAt string
	LastMsgUID string
	Synced     int // messages ingested by the pass being committed
}

const folderCols = `folder_id, group_id, display_name, well_known_name,
	COALESCE(parent_folder_id,''), total_count, unread_count,
	COALESCE(delta_link,''), COALESCE(skip_token,''),
	COALESCE(last_sync_at,''), COALESCE(last_msg_uid,''), synced_count`

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	var f Folder
	err := row.Scan(&f.FolderID, &f.GroupID, &f.DisplayName, &f.WellKnownName,
		&f.ParentFolderID, &f.TotalCount, &f.UnreadCount,
		&f.DeltaLink, &f.SkipToken, &f.LastSyncAt, &f.LastMsgUID, &f.SyncedCount)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFolder refreshes provider metadata for a folder without disturbing
// its delta cursor.
func (s *Store) UpsertFolder(ctx context.Context, f *Folder) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mail_folders (folder_id, group_id, display_name, well_known_name, parent_folder_id, total_count, unread_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, group_id) DO UPDATE SET
			display_name     = excluded.display_name,
			well_known_name  = excluded.well_known_name,
			parent_folder_id = excluded.parent_folder_id,
			total_count      = excluded.total_count,
			unread_count     = excluded.unread_count`,
		f.FolderID, f.GroupID, f.DisplayName, f.WellKnownName, f.ParentFolderID,
		f.TotalCount, f.UnreadCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert folder %s: %w", f.FolderID, err)
	}
	return nil
}

// GetFolder loads one folder with its cursor.
func (s *Store) GetFolder(ctx context.Context, groupID, folderID string) (*Folder, error) {
	f, err := scanFolder(s.DB.QueryRowContext(ctx,
		`SELECT `+folderCols+` FROM mail_folders WHERE group_id = ? AND folder_id = ?`,
		groupID, folderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder %s: %w", folderID, err)
	}
	return f, nil
}

// ListFolders returns all folders of a group ordered by well-known role then
// name.
func (s *Store) ListFolders(ctx context.Context, groupID string) ([]Folder, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+folderCols+` FROM mail_folders WHERE group_id = ?
		ORDER BY CASE well_known_name
			WHEN 'inbox' THEN 1
			WHEN 'sent' THEN 2
			WHEN 'drafts' THEN 3
			WHEN 'deleted' THEN 4
			WHEN 'junk' THEN 5
			WHEN 'archive' THEN 6
			ELSE 99
		END, display_name`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// SaveCursorTx writes a folder's sync position. Called as the last statement
// of a page transaction so the cursor never outruns the ingested messages.
func (s *Store) SaveCursorTx(ctx context.Context, tx *sql.Tx, groupID, folderID string, cur FolderCursor) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE mail_folders SET
			delta_link   = ?,
			skip_token   = ?,
			last_sync_at = CASE WHEN ? != '' THEN ? ELSE last_sync_at END,
			last_msg_uid = CASE WHEN ? != '' THEN ? ELSE last_msg_uid END,
			synced_count = synced_count + ?
		WHERE group_id = ? AND folder_id = ?`,
		nullable(cur.DeltaLink), nullable(cur.SkipToken),
		cur.LastSyncAt, cur.LastSyncAt,
		cur.LastMsgUID, cur.LastMsgUID, cur.Synced, groupID, folderID,
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor for folder %s: %w", folderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetDeltaCursor clears the stored delta position ahead of a full sync.
func (s *Store) ResetDeltaCursor(ctx context.Context, groupID, folderID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mail_folders SET delta_link = NULL, skip_token = NULL
		WHERE group_id = ? AND folder_id = ?`, groupID, folderID)
	if err != nil {
		return fmt.Errorf("failed to reset cursor for folder %s: %w", folderID, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
