// Package account manages mailbox account groups and their append-only
// version history.
package account

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailvault/internal/store"
)

var (
	ErrNoEmails       = errors.New("at least one email is required")
	ErrEmptyPassword  = errors.New("password must not be empty")
	ErrVersionUnknown = errors.New("version does not exist")
)

// Service wraps all account group mutations. Every mutation ends with a
// version snapshot in the same transaction, so the history head always
// matches the live rows.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func NewService(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// CreateInput describes a new account group.
type CreateInput struct {
	Emails         []string `json:"emails" binding:"required"`
	Password       string   `json:"password" binding:"required"`
	Username       string   `json:"username"`
	Birthday       string   `json:"birthday"`
	Note           string   `json:"note"`
	RecoveryEmails []string `json:"recovery_emails"`
	RecoveryPhones []string `json:"recovery_phones"`
}

// UpdateInput is a partial group update. Nil fields stay untouched; recovery
// sets are replaced wholesale when present.
type UpdateInput struct {
	Password       *string  `json:"password"`
	Username       *string  `json:"username"`
	Birthday       *string  `json:"birthday"`
	Note           *string  `json:"note"`
	RecoveryEmails []string `json:"recovery_emails"`
	RecoveryPhones []string `json:"recovery_phones"`
}

// Group is a group's live accounts plus its recovery contacts.
type Group struct {
	GroupID        string          `json:"group_id"`
	Accounts       []store.Account `json:"accounts"`
	RecoveryEmails []string        `json:"recovery_emails"`
	RecoveryPhones []string        `json:"recovery_phones"`
	Version        int             `json:"version"`
}

// Create creates a new group with one account row per email and records
// version 1.
func (s *Service) Create(ctx context.Context, in CreateInput, createdBy string) (*Group, error) {
	emails := normalizeEmails(in.Emails)
	if len(emails) == 0 {
		return nil, ErrNoEmails
	}
	if in.Password == "" {
		return nil, ErrEmptyPassword
	}

	groupID := uuid.NewString()
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, email := range emails {
		a := &store.Account{
			Email:    email,
			GroupID:  groupID,
			Password: in.Password,
			Status:   store.StatusNotLoggedIn,
			Username: in.Username,
			Birthday: in.Birthday,
			Note:     in.Note,
		}
		if _, err := s.store.InsertAccountTx(ctx, tx, a); err != nil {
			return nil, err
		}
	}
	if err := s.store.ReplaceRecoveryEmailsTx(ctx, tx, groupID, in.RecoveryEmails); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceRecoveryPhonesTx(ctx, tx, groupID, in.RecoveryPhones); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertVersionSnapshotTx(ctx, tx, groupID, "created", createdBy); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("group created", "group", groupID, "emails", len(emails), "by", createdBy)
	return s.GetGroup(ctx, groupID)
}

// BatchResult is one outcome of a batch create.
type BatchResult struct {
	Index   int    `json:"index"`
	GroupID string `json:"group_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchCreate creates many groups, collecting per-item outcomes instead of
// failing the whole batch on the first bad row.
func (s *Service) BatchCreate(ctx context.Context, ins []CreateInput, createdBy string) []BatchResult {
	results := make([]BatchResult, 0, len(ins))
	for i, in := range ins {
		g, err := s.Create(ctx, in, createdBy)
		res := BatchResult{Index: i}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.GroupID = g.GroupID
		}
		results = append(results, res)
	}
	return results
}

// GetGroup loads a group's live state.
func (s *Service) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	rep, err := s.store.FirstAccountInGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	accounts, err := s.store.GroupAccounts(ctx, groupID)
	if err != nil {
		return nil, err
	}
	g := &Group{GroupID: groupID, Version: rep.Version, Accounts: accounts}
	g.RecoveryEmails, g.RecoveryPhones, err = s.store.RecoveryContacts(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Update applies a partial update to every account of the group and snapshots
// the result in the same transaction.
func (s *Service) Update(ctx context.Context, groupID string, in UpdateInput, updatedBy string) (int, error) {
	if _, err := s.store.FirstAccountInGroup(ctx, groupID); err != nil {
		return 0, err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upd := store.AccountUpdate{
		Password: in.Password,
		Username: in.Username,
		Birthday: in.Birthday,
		Note:     in.Note,
	}
	accounts, err := s.store.GroupAccountsTx(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if err := s.store.UpdateAccountTx(ctx, tx, a.ID, upd); err != nil {
			return 0, err
		}
	}
	if in.RecoveryEmails != nil {
		if err := s.store.ReplaceRecoveryEmailsTx(ctx, tx, groupID, in.RecoveryEmails); err != nil {
			return 0, err
		}
	}
	if in.RecoveryPhones != nil {
		if err := s.store.ReplaceRecoveryPhonesTx(ctx, tx, groupID, in.RecoveryPhones); err != nil {
			return 0, err
		}
	}

	version, err := s.store.InsertVersionSnapshotTx(ctx, tx, groupID, "updated", updatedBy)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("group updated", "group", groupID, "version", version, "by", updatedBy)
	return version, nil
}

// AddEmail adds one account row to an existing group, copying the group's
// shared fields from its representative row.
func (s *Service) AddEmail(ctx context.Context, groupID, email, addedBy string) (int, error) {
	rep, err := s.store.FirstAccountInGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, ErrNoEmails
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	a := &store.Account{
		Email:    email,
		GroupID:  groupID,
		Password: rep.Password,
		Status:   rep.Status,
		Username: rep.Username,
		Birthday: rep.Birthday,
		Note:     rep.Note,
	}
	if _, err := s.store.InsertAccountTx(ctx, tx, a); err != nil {
		return 0, err
	}
	version, err := s.store.InsertVersionSnapshotTx(ctx, tx, groupID, "email added: "+email, addedBy)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return version, nil
}

// RemoveEmail soft-deletes one account row of a group.
func (s *Service) RemoveEmail(ctx context.Context, groupID, email, removedBy string) (int, error) {
	a, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	if a.GroupID != groupID {
		return 0, store.ErrNotFound
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.store.SoftDeleteAccountTx(ctx, tx, a.ID); err != nil {
		return 0, err
	}
	version, err := s.store.InsertVersionSnapshotTx(ctx, tx, groupID, "email removed: "+a.Email, removedBy)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return version, nil
}

// DeleteGroup soft-deletes every account of the group after snapshotting the
// final state, so the deletion itself is recoverable through restore.
func (s *Service) DeleteGroup(ctx context.Context, groupID, deletedBy string) error {
	if _, err := s.store.FirstAccountInGroup(ctx, groupID); err != nil {
		return err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.store.InsertVersionSnapshotTx(ctx, tx, groupID, "deleted", deletedBy); err != nil {
		return err
	}
	if err := s.store.SoftDeleteGroupTx(ctx, tx, groupID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.logger.Info("group deleted", "group", groupID, "by", deletedBy)
	return nil
}

// List returns a filtered page of accounts.
func (s *Service) List(ctx context.Context, f store.AccountFilter) ([]store.Account, int, error) {
	return s.store.ListAccounts(ctx, f)
}

// Versions returns a page of the group's history, newest first.
func (s *Service) Versions(ctx context.Context, groupID string, page, size int) ([]store.AccountVersion, int, error) {
	return s.store.ListVersions(ctx, groupID, page, size)
}

// GetVersion returns one snapshot.
func (s *Service) GetVersion(ctx context.Context, groupID string, version int) (*store.AccountVersion, error) {
	v, err := s.store.GetVersion(ctx, groupID, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("group %s version %d: %w", groupID, version, ErrVersionUnknown)
	}
	return v, err
}

// Snapshot records the current live state as a new version without changing
// anything else.
func (s *Service) Snapshot(ctx context.Context, groupID, note, createdBy string) (int, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	version, err := s.store.InsertVersionSnapshotTx(ctx, tx, groupID, note, createdBy)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return version, nil
}

// Restore copies snapshot content back onto the live rows and records the
// restored state as a new version at the head of the history. The history
// itself never rewinds.
func (s *Service) Restore(ctx context.Context, groupID string, version int, restoredBy string) (int, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	snap, err := s.store.GetVersionTx(ctx, tx, groupID, version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("group %s version %d: %w", groupID, version, ErrVersionUnknown)
		}
		return 0, err
	}

	inSnapshot := make(map[string]bool, len(snap.Emails))
	for _, email := range snap.Emails {
		inSnapshot[strings.ToLower(email)] = true
	}

	upd := store.AccountUpdate{
		Password: &snap.Password,
		Status:   &snap.Status,
		Username: &snap.Username,
		Birthday: &snap.Birthday,
		Note:     &snap.Note,
	}

	// Revive or create every account the snapshot names. An email that has
	// since been claimed by another group stays with its current owner.
	for _, email := range snap.Emails {
		a, err := s.store.GetAccountByEmailTx(ctx, tx, email)
		switch {
		case err == nil && a.GroupID != groupID:
			s.logger.Warn("email owned by another group, not restored",
				"group", groupID, "email", email, "owner", a.GroupID)
			continue
		case errors.Is(err, store.ErrNotFound):
			na := &store.Account{
				Email:    email,
				GroupID:  groupID,
				Password: snap.Password,
				Status:   snap.Status,
				Username: snap.Username,
				Birthday: snap.Birthday,
				Note:     snap.Note,
			}
			if _, err := s.store.InsertAccountTx(ctx, tx, na); err != nil {
				return 0, err
			}
		case err != nil:
			return 0, err
		default:
			if err := s.store.UpdateAccountTx(ctx, tx, a.ID, upd); err != nil {
				return 0, err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE accounts SET is_deleted = 0 WHERE id = ?`, a.ID); err != nil {
				return 0, fmt.Errorf("failed to revive account %d: %w", a.ID, err)
			}
		}
	}

	// Accounts that exist now but are absent from the snapshot get hidden.
	live, err := s.store.GroupAccountsTx(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}
	for _, a := range live {
		if inSnapshot[strings.ToLower(a.Email)] {
			continue
		}
		if err := s.store.SoftDeleteAccountTx(ctx, tx, a.ID); err != nil {
			return 0, err
		}
	}

	if err := s.store.ReplaceRecoveryEmailsTx(ctx, tx, groupID, snap.RecoveryEmails); err != nil {
		return 0, err
	}
	if err := s.store.ReplaceRecoveryPhonesTx(ctx, tx, groupID, snap.RecoveryPhones); err != nil {
		return 0, err
	}

	newVersion, err := s.store.InsertVersionSnapshotTx(ctx, tx, groupID,
		"restored from version "+strconv.Itoa(version), restoredBy)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("group restored", "group", groupID, "from_version", version,
		"new_version", newVersion, "by", restoredBy)
	return newVersion, nil
}

// ExportCSV writes the filtered accounts as CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, f store.AccountFilter) error {
	f.Page, f.Size = 1, 1<<30
	accounts, _, err := s.store.ListAccounts(ctx, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"email", "group_id", "status", "username", "birthday", "note", "version", "created_at"}); err != nil {
		return err
	}
	for _, a := range accounts {
		rec := []string{a.Email, a.GroupID, a.Status, a.Username, a.Birthday, a.Note,
			strconv.Itoa(a.Version), a.CreatedAt}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func normalizeEmails(emails []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
