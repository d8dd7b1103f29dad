package account

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return NewService(st, logger), st
}

func seedGroup(t *testing.T, s *Service) *Group {
	t.Helper()
	g, err := s.Create(context.Background(), CreateInput{
		Emails:         []string{"Main@X.com", "alias@x.com", "main@x.com"},
		Password:       "hunter2",
		Username:       "griffin",
		Birthday:       "1990-04-01",
		Note:           "primary",
		RecoveryEmails: []string{"rescue@y.com"},
		RecoveryPhones: []string{"+1 555 0100"},
	}, "operator1")
	require.NoError(t, err)
	return g
}

func TestCreateGroup(t *testing.T) {
	s, _ := newTestService(t)
	g := seedGroup(t, s)

	require.Len(t, g.Accounts, 2, "duplicate email should collapse")
	assert.Equal(t, 1, g.Version)
	assert.Equal(t, []string{"rescue@y.com"}, g.RecoveryEmails)
	assert.Equal(t, []string{"+15550100"}, g.RecoveryPhones)
	for _, a := range g.Accounts {
		assert.Equal(t, store.StatusNotLoggedIn, a.Status)
		assert.Equal(t, g.GroupID, a.GroupID)
	}
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{Password: "x"}, "op")
	require.ErrorIs(t, err, ErrNoEmails)

	_, err = s.Create(ctx, CreateInput{Emails: []string{"a@x.com"}}, "op")
	require.ErrorIs(t, err, ErrEmptyPassword)
}

func TestBatchCreateCollectsErrors(t *testing.T) {
	s, _ := newTestService(t)
	results := s.BatchCreate(context.Background(), []CreateInput{
		{Emails: []string{"ok@x.com"}, Password: "pw"},
		{Emails: nil, Password: "pw"},
		{Emails: []string{"ok@x.com"}, Password: "pw"}, // duplicate email
	}, "op")

	require.Len(t, results, 3)
	assert.NotEmpty(t, results[0].GroupID)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)
	assert.NotEmpty(t, results[2].Error, "unique email constraint should surface per item")
}

func TestUpdateSnapshotsInSameTransaction(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	g := seedGroup(t, s)

	newNote := "rotated"
	newPassword := "NewSecret9"
	v, err := s.Update(ctx, g.GroupID, UpdateInput{
		Password:       &newPassword,
		Note:           &newNote,
		RecoveryEmails: []string{"other@y.com"},
	}, "operator2")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	snap, err := s.GetVersion(ctx, g.GroupID, 2)
	require.NoError(t, err)
	assert.Equal(t, "NewSecret9", snap.Password)
	assert.Equal(t, "rotated", snap.Note)
	assert.Equal(t, []string{"other@y.com"}, snap.RecoveryEmails)
	assert.Equal(t, "operator2", snap.CreatedBy)
}

func TestRestoreCreatesNewHeadVersion(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()
	g := seedGroup(t, s) // v1

	note2 := "second state"
	_, err := s.Update(ctx, g.GroupID, UpdateInput{
		Note:           &note2,
		RecoveryEmails: []string{"changed@y.com"},
	}, "op") // v2
	require.NoError(t, err)
	_, err = s.AddEmail(ctx, g.GroupID, "third@x.com", "op") // v3
	require.NoError(t, err)

	newV, err := s.Restore(ctx, g.GroupID, 1, "op")
	require.NoError(t, err)
	assert.Equal(t, 4, newV, "restore appends, never rewinds")

	// Live state matches the restored snapshot.
	live, err := s.GetGroup(ctx, g.GroupID)
	require.NoError(t, err)
	var emails []string
	for _, a := range live.Accounts {
		emails = append(emails, a.Email)
		assert.Equal(t, "primary", a.Note)
	}
	assert.Equal(t, []string{"alias@x.com", "main@x.com"}, emails,
		"account added after v1 must be hidden again")
	assert.Equal(t, []string{"rescue@y.com"}, live.RecoveryEmails)

	// The new head snapshot carries the same content as v1.
	v1, err := s.GetVersion(ctx, g.GroupID, 1)
	require.NoError(t, err)
	head, err := s.GetVersion(ctx, g.GroupID, newV)
	require.NoError(t, err)
	assert.Equal(t, v1.Emails, head.Emails)
	assert.Equal(t, v1.Note, head.Note)
	assert.Equal(t, v1.RecoveryEmails, head.RecoveryEmails)
	assert.Equal(t, v1.RecoveryPhones, head.RecoveryPhones)

	// History is still contiguous.
	versions, total, err := st.ListVersions(ctx, g.GroupID, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	for i, v := range versions {
		assert.Equal(t, 4-i, v.Version)
	}
}

func TestRestoreLeavesForeignEmailAlone(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	groupA, err := s.Create(ctx, CreateInput{
		Emails:   []string{"keeper@x.com", "shared@x.com"},
		Password: "groupA-pass",
	}, "op") // A v1
	require.NoError(t, err)

	groupB, err := s.Create(ctx, CreateInput{
		Emails:   []string{"other@x.com"},
		Password: "groupB-pass",
	}, "op")
	require.NoError(t, err)

	// The shared email ends up owned by group B.
	_, err = st.DB.ExecContext(ctx,
		`UPDATE accounts SET group_id = ?, password = 'groupB-pass' WHERE email = 'shared@x.com'`,
		groupB.GroupID)
	require.NoError(t, err)

	// Restoring A to v1 must not touch B's row even though v1 names the email.
	_, err = s.Restore(ctx, groupA.GroupID, 1, "op")
	require.NoError(t, err)

	b, err := st.GetAccountByEmail(ctx, "shared@x.com")
	require.NoError(t, err)
	assert.Equal(t, groupB.GroupID, b.GroupID)
	assert.Equal(t, "groupB-pass", b.Password)

	liveA, err := s.GetGroup(ctx, groupA.GroupID)
	require.NoError(t, err)
	require.Len(t, liveA.Accounts, 1)
	assert.Equal(t, "keeper@x.com", liveA.Accounts[0].Email)
	assert.Equal(t, "groupA-pass", liveA.Accounts[0].Password)
}

func TestRestoreUnknownVersion(t *testing.T) {
	s, _ := newTestService(t)
	g := seedGroup(t, s)

	_, err := s.Restore(context.Background(), g.GroupID, 9, "op")
	require.ErrorIs(t, err, ErrVersionUnknown)
}

func TestDeleteGroupIsRecoverable(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	g := seedGroup(t, s)

	require.NoError(t, s.DeleteGroup(ctx, g.GroupID, "op")) // snapshots v2 then hides

	live, err := s.GetGroup(ctx, g.GroupID)
	require.NoError(t, err)
	assert.Empty(t, live.Accounts)

	newV, err := s.Restore(ctx, g.GroupID, 2, "op")
	require.NoError(t, err)
	assert.Equal(t, 3, newV)

	live, err = s.GetGroup(ctx, g.GroupID)
	require.NoError(t, err)
	assert.Len(t, live.Accounts, 2, "restore revives soft-deleted accounts")
}

func TestRemoveEmailSnapshots(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	g := seedGroup(t, s)

	v, err := s.RemoveEmail(ctx, g.GroupID, "alias@x.com", "op")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	snap, err := s.GetVersion(ctx, g.GroupID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"main@x.com"}, snap.Emails)

	_, err = s.RemoveEmail(ctx, g.GroupID, "stranger@x.com", "op")
	require.Error(t, err)
}

func TestExportCSV(t *testing.T) {
	s, _ := newTestService(t)
	seedGroup(t, s)

	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(context.Background(), &buf, store.AccountFilter{}))
	out := buf.String()
	assert.Contains(t, out, "email,group_id,status")
	assert.Contains(t, out, "main@x.com")
	assert.Contains(t, out, "alias@x.com")
}
