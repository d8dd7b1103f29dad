package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/store"
)

// Strategy selects how a sync pass walks a folder.
type Strategy string

const (
	// StrategyAuto runs full when the folder has no cursor, incremental otherwise.
	StrategyAuto Strategy = "auto"
	// StrategyFull discards the cursor and relists the folder from scratch.
	StrategyFull Strategy = "full"
	// StrategyRecent lists only the last few days without touching the cursor.
	StrategyRecent Strategy = "recent"
	// StrategyToday lists only today's messages without touching the cursor.
	StrategyToday Strategy = "today"
)

// ParseStrategy maps a request string onto a Strategy, defaulting to auto.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyFull, StrategyRecent, StrategyToday:
		return Strategy(s)
	default:
		return StrategyAuto
	}
}

// Factory builds a provider bound to a group's credentials.
type Factory func(ctx context.Context, groupID string) (mail.Provider, error)

// Runner walks one folder of one group and ingests what the provider
// returns. The cursor only ever advances inside the same transaction as the
// page it covers, so an interrupted pass resumes exactly where it stopped.
type Runner struct {
	Store      *store.Store
	Provider   mail.Provider
	Logger     *slog.Logger
	PageSize   int
	MaxPages   int
	RecentDays int
}

// FolderResult summarizes one folder pass.
type FolderResult struct {
	FolderID string   `json:"folder_id"`
	Strategy Strategy `json:"strategy"`
	Pages    int      `json:"pages"`
	Inserted int      `json:"inserted"`
	Updated  int      `json:"updated"`
	// Done is false when the page budget ran out with pages remaining;
	// the persisted skip token lets the next pass continue.
	Done bool `json:"done"`
}

// SyncFolder runs one pass over a folder with the given strategy.
func (r *Runner) SyncFolder(ctx context.Context, groupID string, folder *store.Folder, strategy Strategy) (*FolderResult, error) {
	switch strategy {
	case StrategyFull:
		if err := r.Store.ResetDeltaCursor(ctx, groupID, folder.FolderID); err != nil {
			return nil, err
		}
		folder.DeltaLink = ""
		folder.SkipToken = ""
		return r.deltaPass(ctx, groupID, folder, StrategyFull)
	case StrategyRecent, StrategyToday:
		// A folder that was never walked has no delta link to fall back
		// on; a windowed pass would leave it permanently partial.
		if folder.DeltaLink == "" && folder.SkipToken == "" {
			return r.deltaPass(ctx, groupID, folder, StrategyFull)
		}
		return r.windowPass(ctx, groupID, folder, strategy)
	default:
		// Auto is the incremental walk: resume a pending skip token,
		// otherwise continue from the delta link, otherwise start fresh.
		if folder.DeltaLink == "" && folder.SkipToken == "" {
			return r.deltaPass(ctx, groupID, folder, StrategyFull)
		}
		return r.deltaPass(ctx, groupID, folder, StrategyAuto)
	}
}

// deltaPass walks the provider's delta feed. A skip token from an
// interrupted pass takes priority over the delta link so the walk resumes
// mid-stream instead of restarting.
func (r *Runner) deltaPass(ctx context.Context, groupID string, folder *store.Folder, strategy Strategy) (*FolderResult, error) {
	res := &FolderResult{FolderID: folder.FolderID, Strategy: strategy}

	cursor := folder.SkipToken
	if cursor == "" {
		cursor = folder.DeltaLink
	}

	for res.Pages < r.MaxPages {
		page, err := r.Provider.ListDelta(ctx, folder.FolderID, cursor, r.PageSize)
		if err != nil {
			return res, fmt.Errorf("delta listing failed for folder %s: %w", folder.FolderID, err)
		}

		cur := store.FolderCursor{}
		if page.NextLink != "" {
			cur.DeltaLink = folder.DeltaLink
			cur.SkipToken = page.NextLink
		} else {
			cur.DeltaLink = page.DeltaLink
			cur.LastSyncAt = time.Now().UTC().Format(time.RFC3339)
			cur.LastMsgUID = lastUID(page.Messages)
		}

		ins, upd, err := r.ingest(ctx, groupID, folder.FolderID, page.Messages, cur)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Inserted += ins
		res.Updated += upd

		r.Logger.Debug("page ingested", "group", groupID, "folder", folder.FolderID,
			"inserted", ins, "updated", upd, "more", page.NextLink != "")

		if page.NextLink == "" {
			res.Done = true
			return res, nil
		}
		cursor = page.NextLink
	}

	r.Logger.Info("page budget exhausted, pass will resume", "group", groupID,
		"folder", folder.FolderID, "pages", res.Pages)
	return res, nil
}

// windowPass relists a recency window without touching the delta cursor.
func (r *Runner) windowPass(ctx context.Context, groupID string, folder *store.Folder, strategy Strategy) (*FolderResult, error) {
	res := &FolderResult{FolderID: folder.FolderID, Strategy: strategy}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -r.RecentDays)
	if strategy == StrategyToday {
		since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	nextLink := ""
	for res.Pages < r.MaxPages {
		page, err := r.Provider.ListFull(ctx, folder.FolderID, since, nextLink, r.PageSize)
		if err != nil {
			return res, fmt.Errorf("listing failed for folder %s: %w", folder.FolderID, err)
		}

		// Carry the stored cursor through unchanged.
		cur := store.FolderCursor{
			DeltaLink:  folder.DeltaLink,
			SkipToken:  folder.SkipToken,
			LastMsgUID: lastUID(page.Messages),
		}
		if page.NextLink == "" {
			cur.LastSyncAt = now.Format(time.RFC3339)
		}

		ins, upd, err := r.ingest(ctx, groupID, folder.FolderID, page.Messages, cur)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Inserted += ins
		res.Updated += upd

		if page.NextLink == "" {
			res.Done = true
			return res, nil
		}
		nextLink = page.NextLink
	}
	return res, nil
}

func (r *Runner) ingest(ctx context.Context, groupID, folderID string, msgs []mail.Message, cur store.FolderCursor) (int, int, error) {
	inputs := make([]store.MessageInput, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.FolderID == "" {
			m.FolderID = folderID
		}
		inputs = append(inputs, mail.Normalize(groupID, m))
	}
	return r.Store.IngestPage(ctx, groupID, folderID, inputs, cur)
}

func lastUID(msgs []mail.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].UID
}
