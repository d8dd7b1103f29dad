package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Account is a live mailbox account row. Multiple accounts may share a
// group_id; tokens, versions and mail are keyed by the group.
type Account struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	GroupID   string `json:"group_id"`
	Password  string `json:"-"`
	Status    string `json:"status"`
	Username  string `json:"username,omitempty"`
	Birthday  string `json:"birthday,omitempty"`
	Note      string `json:"note,omitempty"`
	Version   int    `json:"version"`
	IsDeleted bool   `json:"is_deleted"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// AccountUpdate describes a partial account update; nil fields are untouched.
type AccountUpdate struct {
	Email    *string
	Password *string
	Status   *string
	Username *string
	Birthday *string
	Note     *string
	GroupID  *string
}

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
	Status           string
	EmailContains    string
	RecoveryContains string
	NoteContains     string
	IncludeDeleted   bool
	Page             int
	Size             int
}

const accountCols = `id, email, group_id, password, status,
	COALESCE(username,''), COALESCE(birthday,''), COALESCE(note,''),
	version, is_deleted, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.GroupID, &a.Password, &a.Status,
		&a.Username, &a.Birthday, &a.Note, &a.Version, &a.IsDeleted,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAccountTx inserts a new account row and returns its id.
func (s *Store) InsertAccountTx(ctx context.Context, tx *sql.Tx, a *Account) (int64, error) {
	now := nowRFC3339()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (email, group_id, password, status, username, birthday, note, version, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		a.Email, a.GroupID, a.Password, a.Status, a.Username, a.Birthday, a.Note, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get account id: %w", err)
	}
	a.ID = id
	a.CreatedAt, a.UpdatedAt = now, now
	return id, nil
}

// GetAccount returns the account with the given id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return a, nil
}

// GetAccountTx is GetAccount inside an open transaction.
func (s *Store) GetAccountTx(ctx context.Context, tx *sql.Tx, id int64) (*Account, error) {
	a, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return a, nil
}

// GetAccountByEmail looks an account up by its unique, case-insensitive email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return a, nil
}

// GetAccountByEmailTx is GetAccountByEmail inside an open transaction.
func (s *Store) GetAccountByEmailTx(ctx context.Context, tx *sql.Tx, email string) (*Account, error) {
	a, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return a, nil
}

// GroupAccounts returns the live accounts of a group ordered by email.
func (s *Store) GroupAccounts(ctx context.Context, groupID string) ([]Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE group_id = ? AND is_deleted = 0 ORDER BY email`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// GroupAccountsTx is GroupAccounts inside an open transaction.
func (s *Store) GroupAccountsTx(ctx context.Context, tx *sql.Tx, groupID string) ([]Account, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE group_id = ? AND is_deleted = 0 ORDER BY email`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// FirstAccountInGroup returns the lowest-id account of a group, used as the
// representative row for snapshots and status reporting.
func (s *Store) FirstAccountInGroup(ctx context.Context, groupID string) (*Account, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE group_id = ? ORDER BY id LIMIT 1`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %s account: %w", groupID, err)
	}
	return a, nil
}

// ListAccounts returns a filtered page of accounts plus the total match count.
func (s *Store) ListAccounts(ctx context.Context, f AccountFilter) ([]Account, int, error) {
	where := []string{"1=1"}
	args := []any{}

	if !f.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.EmailContains != "" {
		where = append(where, "email LIKE ?")
		args = append(args, "%"+f.EmailContains+"%")
	}
	if f.NoteContains != "" {
		where = append(where, "note LIKE ?")
		args = append(args, "%"+f.NoteContains+"%")
	}
	if f.RecoveryContains != "" {
		where = append(where, "EXISTS (SELECT 1 FROM recovery_emails re WHERE re.group_id = accounts.group_id AND re.email LIKE ?)")
		args = append(args, "%"+f.RecoveryContains+"%")
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count accounts: %w", err)
	}

	page, size := f.Page, f.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	args = append(args, size, (page-1)*size)

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE `+cond+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, total, rows.Err()
}

// UpdateAccountTx applies the non-nil fields of upd to an account row.
func (s *Store) UpdateAccountTx(ctx context.Context, tx *sql.Tx, id int64, upd AccountUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowRFC3339()}

	set := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	set("email", upd.Email)
	set("password", upd.Password)
	set("status", upd.Status)
	set("username", upd.Username)
	set("birthday", upd.Birthday)
	set("note", upd.Note)
	set("group_id", upd.GroupID)

	args = append(args, id)
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteAccountTx marks one account deleted.
func (s *Store) SoftDeleteAccountTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_deleted = 1, updated_at = ? WHERE id = ?`, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("failed to soft delete account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteGroupTx marks every account of a group deleted.
func (s *Store) SoftDeleteGroupTx(ctx context.Context, tx *sql.Tx, groupID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_deleted = 1, updated_at = ? WHERE group_id = ?`, nowRFC3339(), groupID)
	if err != nil {
		return fmt.Errorf("failed to soft delete group %s: %w", groupID, err)
	}
	return nil
}

// SetGroupStatusTx sets the login status of every account in a group.
func (s *Store) SetGroupStatusTx(ctx context.Context, tx *sql.Tx, groupID, status string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE group_id = ?`,
		status, nowRFC3339(), groupID)
	if err != nil {
		return fmt.Errorf("failed to set group %s status: %w", groupID, err)
	}
	return nil
}

// SetGroupStatus is SetGroupStatusTx in its own transaction.
func (s *Store) SetGroupStatus(ctx context.Context, groupID, status string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE group_id = ?`,
		status, nowRFC3339(), groupID)
	if err != nil {
		return fmt.Errorf("failed to set group %s status: %w", groupID, err)
	}
	return nil
}

// GroupEmails returns the emails of a group's live accounts, sorted.
func (s *Store) GroupEmails(ctx context.Context, tx *sql.Tx, groupID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT email FROM accounts WHERE group_id = ? AND is_deleted = 0 ORDER BY email`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group emails: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// RecoveryEmailsTx returns the recovery email set of a group, sorted.
func (s *Store) RecoveryEmailsTx(ctx context.Context, tx *sql.Tx, groupID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT email FROM recovery_emails WHERE group_id = ? ORDER BY email`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery emails: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// RecoveryPhonesTx returns the recovery phone set of a group, sorted.
func (s *Store) RecoveryPhonesTx(ctx context.Context, tx *sql.Tx, groupID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT phone FROM recovery_phones WHERE group_id = ? ORDER BY phone`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery phones: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ReplaceRecoveryEmailsTx replaces (not merges) the recovery email set.
func (s *Store) ReplaceRecoveryEmailsTx(ctx context.Context, tx *sql.Tx, groupID string, emails []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recovery_emails WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("failed to clear recovery emails: %w", err)
	}
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO recovery_emails (group_id, email) VALUES (?, ?)`, groupID, e); err != nil {
			return fmt.Errorf("failed to insert recovery email: %w", err)
		}
	}
	return nil
}

// ReplaceRecoveryPhonesTx replaces (not merges) the recovery phone set.
func (s *Store) ReplaceRecoveryPhonesTx(ctx context.Context, tx *sql.Tx, groupID string, phones []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recovery_phones WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("failed to clear recovery phones: %w", err)
	}
	for _, p := range phones {
		p = normalizePhone(p)
		if p == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO recovery_phones (group_id, phone) VALUES (?, ?)`, groupID, p); err != nil {
			return fmt.Errorf("failed to insert recovery phone: %w", err)
		}
	}
	return nil
}

// RecoveryContacts returns both recovery sets outside a transaction.
func (s *Store) RecoveryContacts(ctx context.Context, groupID string) (emails, phones []string, err error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT email FROM recovery_emails WHERE group_id = ? ORDER BY email`, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list recovery emails: %w", err)
	}
	emails, err = collectStrings(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.DB.QueryContext(ctx,
		`SELECT phone FROM recovery_phones WHERE group_id = ? ORDER BY phone`, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list recovery phones: %w", err)
	}
	phones, err = collectStrings(rows)
	rows.Close()
	return emails, phones, err
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// normalizePhone keeps digits and a leading plus sign.
func normalizePhone(p string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(p) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
