// Package gmail adapts the Gmail API to the provider interface. Labels play
// the role of folders, the history id is the delta link and the page token is
// the skip token.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailvault/internal/mail"
)

const (
	deltaPrefix = "hist|"
	pagePrefix  = "page|"
)

// System labels that are flags or virtual views, not folder-like.
var nonFolderLabels = map[string]bool{
	"UNREAD":    true,
	"STARRED":   true,
	"IMPORTANT": true,
	"CHAT":      true,
}

var labelRoles = map[string]string{
	"INBOX": mail.RoleInbox,
	"SENT":  mail.RoleSent,
	"DRAFT": mail.RoleDrafts,
	"TRASH": mail.RoleDeleted,
	"SPAM":  mail.RoleJunk,
}

// Adapter implements mail.Provider for Gmail.
type Adapter struct {
	svc    *gmailapi.Service
	userID string
}

func New(svc *gmailapi.Service, userID string) *Adapter {
	return &Adapter{svc: svc, userID: userID}
}

// ListFolders lists the mailbox labels. Counts need a per-label fetch; the
// list call only returns ids and names.
func (a *Adapter) ListFolders(ctx context.Context) ([]mail.FolderInfo, error) {
	resp, err := a.svc.Users.Labels.List(a.userID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	var folders []mail.FolderInfo
	for _, l := range resp.Labels {
		if nonFolderLabels[l.Id] || strings.HasPrefix(l.Id, "CATEGORY_") {
			continue
		}
		detail, err := a.svc.Users.Labels.Get(a.userID, l.Id).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get label %s: %w", l.Id, err)
		}
		folders = append(folders, mail.FolderInfo{
			ID:            l.Id,
			DisplayName:   l.Name,
			WellKnownName: labelRoles[l.Id],
			TotalCount:    int(detail.MessagesTotal),
			UnreadCount:   int(detail.MessagesUnread),
		})
	}
	return folders, nil
}

// ListDelta walks the label. A fresh walk lists every message under the label
// and finishes with a history-id delta link; later walks replay the history
// feed from that id. An expired history id restarts the full walk.
func (a *Adapter) ListDelta(ctx context.Context, folderID, cursor string, pageSize int) (*mail.Page, error) {
	switch {
	case cursor == "":
		return a.fullWalkPage(ctx, folderID, "", pageSize)
	case strings.HasPrefix(cursor, pagePrefix):
		return a.fullWalkPage(ctx, folderID, strings.TrimPrefix(cursor, pagePrefix), pageSize)
	case strings.HasPrefix(cursor, deltaPrefix):
		page, err := a.historyPage(ctx, folderID, strings.TrimPrefix(cursor, deltaPrefix), pageSize)
		if isHistoryExpired(err) {
			return a.fullWalkPage(ctx, folderID, "", pageSize)
		}
		return page, err
	default:
		return nil, fmt.Errorf("unrecognized cursor %q", cursor)
	}
}

func (a *Adapter) fullWalkPage(ctx context.Context, labelID, pageToken string, pageSize int) (*mail.Page, error) {
	call := a.svc.Users.Messages.List(a.userID).
		LabelIds(labelID).
		MaxResults(int64(pageSize)).
		IncludeSpamTrash(true).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &mail.Page{}
	for _, ref := range resp.Messages {
		msg, err := a.fetchMeta(ctx, ref.Id, labelID)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, *msg)
	}

	if resp.NextPageToken != "" {
		page.NextLink = pagePrefix + resp.NextPageToken
		return page, nil
	}
	profile, err := a.svc.Users.GetProfile(a.userID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	page.DeltaLink = deltaPrefix + strconv.FormatUint(profile.HistoryId, 10)
	return page, nil
}

// historyPage replays one page of the history feed. The cursor after the
// prefix is "<historyID>" or "<historyID>|<pageToken>".
func (a *Adapter) historyPage(ctx context.Context, labelID, cursor string, pageSize int) (*mail.Page, error) {
	startStr, pageToken, _ := strings.Cut(cursor, "|")
	start, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history id in cursor %q: %w", cursor, err)
	}

	call := a.svc.Users.History.List(a.userID).
		StartHistoryId(start).
		LabelId(labelID).
		MaxResults(int64(pageSize)).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	seen := make(map[string]bool)
	page := &mail.Page{}
	for _, h := range resp.History {
		for _, rec := range h.MessagesAdded {
			if err := a.appendChanged(ctx, page, seen, rec.Message, labelID); err != nil {
				return nil, err
			}
		}
		// Label changes carry flag updates (read state, stars, moves).
		for _, rec := range h.LabelsAdded {
			if err := a.appendChanged(ctx, page, seen, rec.Message, labelID); err != nil {
				return nil, err
			}
		}
		for _, rec := range h.LabelsRemoved {
			if err := a.appendChanged(ctx, page, seen, rec.Message, labelID); err != nil {
				return nil, err
			}
		}
		// Deletions are dropped; the local copy is an archive.
	}

	if resp.NextPageToken != "" {
		page.NextLink = deltaPrefix + startStr + "|" + resp.NextPageToken
		return page, nil
	}
	next := resp.HistoryId
	if next == 0 {
		next = start
	}
	page.DeltaLink = deltaPrefix + strconv.FormatUint(next, 10)
	return page, nil
}

func (a *Adapter) appendChanged(ctx context.Context, page *mail.Page, seen map[string]bool, ref *gmailapi.Message, labelID string) error {
	if ref == nil || seen[ref.Id] {
		return nil
	}
	seen[ref.Id] = true
	msg, err := a.fetchMeta(ctx, ref.Id, labelID)
	if err != nil {
		var gerr *googleapi.Error
		// The message may be gone by the time history is replayed.
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return nil
		}
		return err
	}
	page.Messages = append(page.Messages, *msg)
	return nil
}

// ListFull lists messages received at or after since, newest first.
func (a *Adapter) ListFull(ctx context.Context, folderID string, since time.Time, nextLink string, pageSize int) (*mail.Page, error) {
	call := a.svc.Users.Messages.List(a.userID).
		LabelIds(folderID).
		Q(fmt.Sprintf("after:%d", since.Unix())).
		MaxResults(int64(pageSize)).
		IncludeSpamTrash(true).
		Context(ctx)
	if nextLink != "" {
		call = call.PageToken(nextLink)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &mail.Page{NextLink: resp.NextPageToken}
	for _, ref := range resp.Messages {
		msg, err := a.fetchMeta(ctx, ref.Id, folderID)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, *msg)
	}
	return page, nil
}

// GetMessageContent downloads the full payload and splits it into bodies and
// attachment metadata.
func (a *Adapter) GetMessageContent(ctx context.Context, msgUID string) (*mail.MessageContent, error) {
	m, err := a.svc.Users.Messages.Get(a.userID, msgUID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", msgUID, err)
	}

	content := &mail.MessageContent{}
	if m.Payload != nil {
		var sb strings.Builder
		for _, h := range m.Payload.Headers {
			sb.WriteString(h.Name)
			sb.WriteString(": ")
			sb.WriteString(h.Value)
			sb.WriteString("\r\n")
		}
		content.Headers = sb.String()
		collectParts(m.Payload, content)
	}
	return content, nil
}

func collectParts(p *gmailapi.MessagePart, content *mail.MessageContent) {
	if p == nil {
		return
	}
	if p.Filename != "" && p.Body != nil && p.Body.AttachmentId != "" {
		meta := mail.AttachmentMeta{
			UID:         p.Body.AttachmentId,
			Name:        p.Filename,
			ContentType: p.MimeType,
			SizeBytes:   p.Body.Size,
		}
		for _, h := range p.Headers {
			if strings.EqualFold(h.Name, "Content-ID") {
				meta.ContentID = strings.Trim(h.Value, "<>")
				meta.IsInline = true
			}
		}
		content.Attachments = append(content.Attachments, meta)
	} else if p.Body != nil && p.Body.Data != "" {
		switch p.MimeType {
		case "text/plain":
			if content.BodyPlain == "" {
				content.BodyPlain = decodeBody(p.Body.Data)
			}
		case "text/html":
			if content.BodyHTML == "" {
				content.BodyHTML = decodeBody(p.Body.Data)
			}
		}
	}
	for _, child := range p.Parts {
		collectParts(child, content)
	}
}

// GetAttachment downloads one attachment's bytes.
func (a *Adapter) GetAttachment(ctx context.Context, msgUID, attachmentUID string) (*mail.AttachmentContent, error) {
	body, err := a.svc.Users.Messages.Attachments.Get(a.userID, msgUID, attachmentUID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", attachmentUID, err)
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %s: %w", attachmentUID, err)
	}
	return &mail.AttachmentContent{Data: data}, nil
}

// fetchMeta loads message metadata only; bodies come later on demand.
func (a *Adapter) fetchMeta(ctx context.Context, id, labelID string) (*mail.Message, error) {
	m, err := a.svc.Users.Messages.Get(a.userID, id).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return normalizeMessage(m, labelID), nil
}

func normalizeMessage(m *gmailapi.Message, labelID string) *mail.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	out := &mail.Message{
		UID:           m.Id,
		InternetMsgID: strings.Trim(headers["message-id"], "<>"),
		FolderID:      labelID,
		Subject:       headers["subject"],
		From:          parseAddr(headers["from"]),
		To:            parseAddrList(headers["to"]),
		Cc:            parseAddrList(headers["cc"]),
		Bcc:           parseAddrList(headers["bcc"]),
		Snippet:       m.Snippet,
		SizeBytes:     m.SizeEstimate,
		IsRead:        true,
	}
	if m.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if d, err := netmail.ParseDate(headers["date"]); err == nil {
		out.SentAt = d.UTC()
	}
	for _, l := range m.LabelIds {
		switch l {
		case "UNREAD":
			out.IsRead = false
		case "STARRED":
			out.IsFlagged = true
		case "DRAFT":
			out.IsDraft = true
		default:
			if !strings.HasPrefix(l, "CATEGORY_") && labelRoles[l] == "" {
				out.Labels = append(out.Labels, l)
			}
		}
	}
	return out
}

func parseAddr(s string) mail.Address {
	if s == "" {
		return mail.Address{}
	}
	if a, err := netmail.ParseAddress(s); err == nil {
		return mail.Address{Addr: a.Address, Name: a.Name}
	}
	return mail.Address{Addr: strings.TrimSpace(s)}
}

func parseAddrList(s string) []mail.Address {
	if s == "" {
		return nil
	}
	if list, err := netmail.ParseAddressList(s); err == nil {
		out := make([]mail.Address, 0, len(list))
		for _, a := range list {
			out = append(out, mail.Address{Addr: a.Address, Name: a.Name})
		}
		return out
	}
	var out []mail.Address
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, mail.Address{Addr: part})
		}
	}
	return out
}

func decodeBody(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

func isHistoryExpired(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
