package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(t *testing.T, s *Store, groupID, note string) int {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	v, err := s.InsertVersionSnapshotTx(ctx, tx, groupID, note, "tester")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return v
}

func TestVersionsAreContiguousFromOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	groupID := newTestGroup(t, s, "a@x.com", "b@x.com")

	for want := 1; want <= 5; want++ {
		got := snapshot(t, s, groupID, "pass")
		assert.Equal(t, want, got)
	}

	versions, total, err := s.ListVersions(ctx, groupID, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	// Newest first, gapless.
	for i, v := range versions {
		assert.Equal(t, 5-i, v.Version)
	}

	// Live rows mirror the head version.
	a, err := s.FirstAccountInGroup(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 5, a.Version)
}

func TestSnapshotCapturesSortedSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	groupID := newTestGroup(t, s, "zeta@x.com", "alpha@x.com")

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceRecoveryEmailsTx(ctx, tx, groupID, []string{"R2@y.com", "r1@y.com"}))
	require.NoError(t, s.ReplaceRecoveryPhonesTx(ctx, tx, groupID, []string{"+49 171 222", "+1 (555) 111"}))
	require.NoError(t, tx.Commit())

	v := snapshot(t, s, groupID, "seeded")
	snap, err := s.GetVersion(ctx, groupID, v)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha@x.com", "zeta@x.com"}, snap.Emails)
	assert.Equal(t, []string{"r1@y.com", "r2@y.com"}, snap.RecoveryEmails)
	assert.Equal(t, []string{"+1555111", "+49171222"}, snap.RecoveryPhones)
	assert.Equal(t, "tester", snap.CreatedBy)
}

func TestSnapshotUnknownGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = s.InsertVersionSnapshotTx(ctx, tx, "no-such-group", "x", "tester")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetVersionUnknown(t *testing.T) {
	s := newTestStore(t)
	groupID := newTestGroup(t, s, "a@x.com")
	snapshot(t, s, groupID, "one")

	_, err := s.GetVersion(context.Background(), groupID, 99)
	require.ErrorIs(t, err, ErrNotFound)
}
