package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// AccountVersion is an immutable snapshot of a group's profile, credentials
// and recovery contacts at one point in its history.
type AccountVersion struct {
	GroupID        string   `json:"group_id"`
	Version        int      `json:"version"`
	Emails         []string `json:"emails"`
	Password       string   `json:"-"`
	Status         string   `json:"status"`
	Username       string   `json:"username"`
	Birthday       string   `json:"birthday"`
	RecoveryEmails []string `json:"recovery_emails"`
	RecoveryPhones []string `json:"recovery_phones"`
	Note           string   `json:"note"`
	CreatedBy      string   `json:"created_by"`
	CreatedAt      string   `json:"created_at"`
}

// InsertVersionSnapshotTx snapshots the current live state of a group into a
// new version row numbered max(existing)+1 and mirrors the number onto the
// live rows, keeping the live version equal to the history head.
func (s *Store) InsertVersionSnapshotTx(ctx context.Context, tx *sql.Tx, groupID, note, createdBy string) (int, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT password, status, COALESCE(username,''), COALESCE(birthday,'')
		FROM accounts WHERE group_id = ? ORDER BY is_deleted, id LIMIT 1`, groupID)

	var password, status, username, birthday string
	if err := row.Scan(&password, &status, &username, &birthday); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("snapshot group %s: %w", groupID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to read group %s for snapshot: %w", groupID, err)
	}

	emails, err := s.GroupEmails(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}
	recEmails, err := s.RecoveryEmailsTx(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}
	recPhones, err := s.RecoveryPhonesTx(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM account_versions WHERE group_id = ?`,
		groupID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to compute next version: %w", err)
	}

	emailsJSON, _ := json.Marshal(emptyIfNil(emails))
	recEmailsJSON, _ := json.Marshal(emptyIfNil(recEmails))
	recPhonesJSON, _ := json.Marshal(emptyIfNil(recPhones))

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_versions (group_id, version, emails_json, password, status, username, birthday,
			recovery_emails_json, recovery_phones_json, note, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		groupID, next, string(emailsJSON), password, status, username, birthday,
		string(recEmailsJSON), string(recPhonesJSON), note, createdBy, nowRFC3339(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert version snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET version = ? WHERE group_id = ?`, next, groupID); err != nil {
		return 0, fmt.Errorf("failed to bump live version: %w", err)
	}

	return next, nil
}

// GetVersionTx loads one snapshot inside an open transaction.
func (s *Store) GetVersionTx(ctx context.Context, tx *sql.Tx, groupID string, version int) (*AccountVersion, error) {
	return scanVersion(tx.QueryRowContext(ctx, `
		SELECT group_id, version, emails_json, password, status, COALESCE(username,''), COALESCE(birthday,''),
			recovery_emails_json, recovery_phones_json, COALESCE(note,''), COALESCE(created_by,''), created_at
		FROM account_versions WHERE group_id = ? AND version = ?`, groupID, version))
}

// GetVersion loads one snapshot.
func (s *Store) GetVersion(ctx context.Context, groupID string, version int) (*AccountVersion, error) {
	return scanVersion(s.DB.QueryRowContext(ctx, `
		SELECT group_id, version, emails_json, password, status, COALESCE(username,''), COALESCE(birthday,''),
			recovery_emails_json, recovery_phones_json, COALESCE(note,''), COALESCE(created_by,''), created_at
		FROM account_versions WHERE group_id = ? AND version = ?`, groupID, version))
}

// ListVersions returns a page of a group's history, newest first.
func (s *Store) ListVersions(ctx context.Context, groupID string, page, size int) ([]AccountVersion, int, error) {
	var total int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM account_versions WHERE group_id = ?`, groupID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count versions: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT group_id, version, emails_json, password, status, COALESCE(username,''), COALESCE(birthday,''),
			recovery_emails_json, recovery_phones_json, COALESCE(note,''), COALESCE(created_by,''), created_at
		FROM account_versions WHERE group_id = ?
		ORDER BY version DESC LIMIT ? OFFSET ?`, groupID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []AccountVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, *v)
	}
	return versions, total, rows.Err()
}

func scanVersion(row interface{ Scan(...any) error }) (*AccountVersion, error) {
	var v AccountVersion
	var emailsJSON, recEmailsJSON, recPhonesJSON string
	err := row.Scan(&v.GroupID, &v.Version, &emailsJSON, &v.Password, &v.Status,
		&v.Username, &v.Birthday, &recEmailsJSON, &recPhonesJSON, &v.Note,
		&v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	if err := json.Unmarshal([]byte(emailsJSON), &v.Emails); err != nil {
		return nil, fmt.Errorf("failed to decode emails snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(recEmailsJSON), &v.RecoveryEmails); err != nil {
		return nil, fmt.Errorf("failed to decode recovery emails snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(recPhonesJSON), &v.RecoveryPhones); err != nil {
		return nil, fmt.Errorf("failed to decode recovery phones snapshot: %w", err)
	}
	return &v, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
