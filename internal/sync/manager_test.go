package sync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/store"
)

func newTestManager(t *testing.T, fake *fakeProvider) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	factory := func(ctx context.Context, groupID string) (mail.Provider, error) {
		return fake, nil
	}
	m := NewManager(st, factory, logger, Config{
		PageSize: 10, MaxPages: 10, RecentDays: 3, Concurrency: 2,
	})
	t.Cleanup(m.StopAll)
	return m, st
}

func waitForTask(t *testing.T, m *Manager, id, status string) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		got, ok := m.TaskStatus(id)
		if !ok || got.Status != status {
			return false
		}
		task = got
		return true
	}, 2*time.Second, 10*time.Millisecond, "task %s never reached %s", id, status)
	return task
}

func inboxOnly() []mail.FolderInfo {
	return []mail.FolderInfo{
		{ID: "f1", DisplayName: "Inbox", WellKnownName: "inbox"},
	}
}

func TestBusyFolderRejectsSecondSync(t *testing.T) {
	fake := &fakeProvider{
		folders:    inboxOnly(),
		deltaPages: map[string]mail.Page{"": {DeltaLink: "d1"}},
		block:      make(chan struct{}),
	}
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	task, err := m.StartGroupSync(ctx, "g1", StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, task.Status)
	assert.Contains(t, m.Running(), "g1:f1")

	_, err = m.StartGroupSync(ctx, "g1", StrategyAuto, nil)
	require.ErrorIs(t, err, ErrSyncRunning)

	// Another group is unaffected by g1's lock.
	other, err := m.StartGroupSync(ctx, "g2", StrategyAuto, nil)
	require.NoError(t, err)

	close(fake.block)
	waitForTask(t, m, task.ID, TaskDone)
	waitForTask(t, m, other.ID, TaskDone)
	assert.Empty(t, m.Running())
}

func TestCancelTask(t *testing.T) {
	fake := &fakeProvider{
		folders:    inboxOnly(),
		deltaPages: map[string]mail.Page{"": {DeltaLink: "d1"}},
		block:      make(chan struct{}),
	}
	m, _ := newTestManager(t, fake)

	task, err := m.StartGroupSync(context.Background(), "g1", StrategyAuto, nil)
	require.NoError(t, err)

	require.True(t, m.CancelTask(task.ID))
	got := waitForTask(t, m, task.ID, TaskCancelled)
	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, m.Running(), "cancelled task must release its folder locks")

	assert.False(t, m.CancelTask("no-such-task"))
}

func TestFolderSelectionByRole(t *testing.T) {
	fake := &fakeProvider{
		folders: []mail.FolderInfo{
			{ID: "f1", DisplayName: "Inbox", WellKnownName: "inbox"},
			{ID: "f2", DisplayName: "Archive", WellKnownName: "archive"},
		},
		deltaPages: map[string]mail.Page{"": {DeltaLink: "d1"}},
	}
	m, _ := newTestManager(t, fake)

	task, err := m.StartGroupSync(context.Background(), "g1", StrategyAuto, []string{"inbox"})
	require.NoError(t, err)

	got := waitForTask(t, m, task.ID, TaskDone)
	require.Len(t, got.Folders, 1)
	assert.Equal(t, "f1", got.Folders[0].FolderID)
}

func TestUnknownFolderRefRejected(t *testing.T) {
	fake := &fakeProvider{folders: inboxOnly()}
	m, _ := newTestManager(t, fake)

	_, err := m.StartGroupSync(context.Background(), "g1", StrategyAuto, []string{"nonexistent"})
	require.Error(t, err)
	assert.Empty(t, m.Running())
}

func TestBatchSyncReportsPerGroup(t *testing.T) {
	fake := &fakeProvider{
		folders:    inboxOnly(),
		deltaPages: map[string]mail.Page{"": {DeltaLink: "d1"}},
		block:      make(chan struct{}),
	}
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	busy, err := m.StartGroupSync(ctx, "g1", StrategyAuto, nil)
	require.NoError(t, err)

	results := m.StartGroupsSync(ctx, []string{"g1", "g2"}, StrategyAuto, nil)
	require.Len(t, results, 2)
	assert.Equal(t, "g1", results[0].GroupID)
	assert.Empty(t, results[0].TaskID)
	assert.Contains(t, results[0].Error, ErrSyncRunning.Error())
	assert.Equal(t, "g2", results[1].GroupID)
	assert.NotEmpty(t, results[1].TaskID)
	assert.Empty(t, results[1].Error)

	close(fake.block)
	waitForTask(t, m, busy.ID, TaskDone)
	waitForTask(t, m, results[1].TaskID, TaskDone)
}

func TestFinishedTasksEvicted(t *testing.T) {
	fake := &fakeProvider{
		folders:    inboxOnly(),
		deltaPages: map[string]mail.Page{"": {DeltaLink: "d1"}},
	}
	m, _ := newTestManager(t, fake)

	stale := time.Now().Add(-2 * taskRetention)
	m.mu.Lock()
	m.tasks["stale"] = &Task{ID: "stale", Status: TaskDone, FinishedAt: &stale}
	m.mu.Unlock()

	task, err := m.StartGroupSync(context.Background(), "g1", StrategyAuto, nil)
	require.NoError(t, err)
	waitForTask(t, m, task.ID, TaskDone)

	_, ok := m.TaskStatus("stale")
	assert.False(t, ok, "finished tasks past retention must be dropped")
}

func TestCompletionEventQueued(t *testing.T) {
	fake := &fakeProvider{
		folders:    inboxOnly(),
		deltaPages: map[string]mail.Page{"": {Messages: []mail.Message{msg("m1")}, DeltaLink: "d1"}},
	}
	m, st := newTestManager(t, fake)

	task, err := m.StartGroupSync(context.Background(), "g1", StrategyAuto, nil)
	require.NoError(t, err)
	waitForTask(t, m, task.ID, TaskDone)

	msgs, err := st.DequeueOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mailbox.g1.sync.completed", msgs[0].Subject)
	assert.Equal(t, fmt.Sprintf("sync.completed|%s", task.ID), msgs[0].MsgID)
}
