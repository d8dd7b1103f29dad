package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/store"
)

// ErrSyncRunning means one of the requested folders is already being synced.
var ErrSyncRunning = errors.New("sync already running")

// Task statuses.
const (
	TaskRunning   = "RUNNING"
	TaskDone      = "DONE"
	TaskError     = "ERROR"
	TaskCancelled = "CANCELLED"
)

// Task tracks one group sync from trigger to completion.
type Task struct {
	ID         string         `json:"id"`
	GroupID    string         `json:"group_id"`
	Strategy   Strategy       `json:"strategy"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Folders    []FolderResult `json:"folders,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Config tunes the sync workers.
type Config struct {
	PageSize    int
	MaxPages    int
	RecentDays  int
	Concurrency int
}

// Manager fans group syncs out over folder workers. Each folder of a group
// can be walked by at most one worker at a time; a second trigger for a busy
// folder is rejected rather than queued.
type Manager struct {
	store   *store.Store
	factory Factory
	logger  *slog.Logger
	cfg     Config

	mu      sync.Mutex
	active  map[string]bool // "group:folder"
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc
}

func NewManager(st *store.Store, factory Factory, logger *slog.Logger, cfg Config) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Manager{
		store:   st,
		factory: factory,
		logger:  logger,
		cfg:     cfg,
		active:  make(map[string]bool),
		tasks:   make(map[string]*Task),
		cancels: make(map[string]context.CancelFunc),
	}
}

func folderKey(groupID, folderID string) string {
	return fmt.Sprintf("%s:%s", groupID, folderID)
}

// Finished tasks stay pollable for this long before eviction.
const taskRetention = time.Hour

func (m *Manager) pruneTasksLocked() {
	cutoff := time.Now().Add(-taskRetention)
	for id, t := range m.tasks {
		if t.FinishedAt != nil && t.FinishedAt.Before(cutoff) {
			delete(m.tasks, id)
		}
	}
}

// RefreshFolders pulls the provider's folder list and upserts the registry
// without disturbing any cursor.
func (m *Manager) RefreshFolders(ctx context.Context, groupID string, p mail.Provider) ([]store.Folder, error) {
	infos, err := p.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider folders: %w", err)
	}
	for _, info := range infos {
		f := &store.Folder{
			FolderID:       info.ID,
			GroupID:        groupID,
			DisplayName:    info.DisplayName,
			WellKnownName:  mail.NormalizeRole(info.WellKnownName),
			ParentFolderID: info.ParentFolderID,
			TotalCount:     info.TotalCount,
			UnreadCount:    info.UnreadCount,
		}
		if err := m.store.UpsertFolder(ctx, f); err != nil {
			return nil, err
		}
	}
	return m.store.ListFolders(ctx, groupID)
}

// StartGroupSync refreshes the folder registry, claims the requested folders
// and launches a background task. folderRefs may name folders by id, role or
// display name; empty means all folders.
func (m *Manager) StartGroupSync(ctx context.Context, groupID string, strategy Strategy, folderRefs []string) (*Task, error) {
	provider, err := m.factory(ctx, groupID)
	if err != nil {
		return nil, err
	}

	folders, err := m.RefreshFolders(ctx, groupID, provider)
	if err != nil {
		return nil, err
	}
	selected := selectFolders(folders, folderRefs)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no matching folders for group %s", groupID)
	}

	task := &Task{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Strategy:  strategy,
		Status:    TaskRunning,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.pruneTasksLocked()
	for _, f := range selected {
		if m.active[folderKey(groupID, f.FolderID)] {
			m.mu.Unlock()
			return nil, fmt.Errorf("folder %s of group %s: %w", f.FolderID, groupID, ErrSyncRunning)
		}
	}
	for _, f := range selected {
		m.active[folderKey(groupID, f.FolderID)] = true
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	m.tasks[task.ID] = task
	m.cancels[task.ID] = cancel
	m.mu.Unlock()

	go m.run(taskCtx, task, provider, selected)
	return task, nil
}

// GroupSyncResult is the per-group outcome of a batch trigger.
type GroupSyncResult struct {
	GroupID string `json:"group_id"`
	TaskID  string `json:"task_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StartGroupsSync triggers one sync task per group, fanning the starts out
// over a bounded worker set. A rejected group (busy folder, dead credential)
// does not stop the others.
func (m *Manager) StartGroupsSync(ctx context.Context, groupIDs []string, strategy Strategy, folderRefs []string) []GroupSyncResult {
	results := make([]GroupSyncResult, len(groupIDs))
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)
	for i, groupID := range groupIDs {
		g.Go(func() error {
			res := GroupSyncResult{GroupID: groupID}
			task, err := m.StartGroupSync(ctx, groupID, strategy, folderRefs)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.TaskID = task.ID
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) run(ctx context.Context, task *Task, provider mail.Provider, folders []store.Folder) {
	m.logger.Info("sync start", "task", task.ID, "group", task.GroupID,
		"strategy", task.Strategy, "folders", len(folders))

	runner := &Runner{
		Store:      m.store,
		Provider:   provider,
		Logger:     m.logger,
		PageSize:   m.cfg.PageSize,
		MaxPages:   m.cfg.MaxPages,
		RecentDays: m.cfg.RecentDays,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i := range folders {
		folder := folders[i]
		g.Go(func() error {
			res, err := runner.SyncFolder(gctx, task.GroupID, &folder, task.Strategy)
			m.mu.Lock()
			if res != nil {
				task.Folders = append(task.Folders, *res)
			}
			m.mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	now := time.Now().UTC()
	m.mu.Lock()
	task.FinishedAt = &now
	switch {
	case errors.Is(err, context.Canceled):
		task.Status = TaskCancelled
	case err != nil:
		task.Status = TaskError
		task.Error = err.Error()
	default:
		task.Status = TaskDone
	}
	for _, f := range folders {
		delete(m.active, folderKey(task.GroupID, f.FolderID))
	}
	delete(m.cancels, task.ID)
	m.mu.Unlock()

	m.emitCompleted(task)

	if err != nil {
		m.logger.Error("sync finished with error", "task", task.ID, "group", task.GroupID, "error", err)
	} else {
		m.logger.Info("sync done", "task", task.ID, "group", task.GroupID)
	}
}

// emitCompleted queues a completion event for the outbox dispatcher.
func (m *Manager) emitCompleted(task *Task) {
	payload, err := json.Marshal(task)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("mailbox.%s.sync.completed", task.GroupID)
	msgID := fmt.Sprintf("sync.completed|%s", task.ID)
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := m.store.AppendOutbox(ctx, subject, "sync.completed", payload, msgID); err != nil {
		m.logger.Error("failed to queue sync event", "task", task.ID, "error", err)
	}
}

// TaskStatus returns a copy of the task's current state.
func (m *Manager) TaskStatus(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *task
	cp.Folders = append([]FolderResult(nil), task.Folders...)
	return &cp, true
}

// CancelTask cancels a running task.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

// Running lists the folder keys currently being synced.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.active {
		keys = append(keys, k)
	}
	return keys
}

// StopAll cancels every running task.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		m.logger.Info("stopping sync task", "task", id)
		cancel()
	}
}

func selectFolders(folders []store.Folder, refs []string) []store.Folder {
	if len(refs) == 0 {
		return folders
	}
	var out []store.Folder
	for _, f := range folders {
		for _, ref := range refs {
			if mail.ResolveFolderRef(ref, f.FolderID, f.WellKnownName, f.DisplayName) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
