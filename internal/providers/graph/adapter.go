// Package graph adapts the Microsoft Graph mail API to the provider
// interface used by the sync engine.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailvault/internal/mail"
)

var listSelect = []string{
	"id", "internetMessageId", "parentFolderId", "subject", "from",
	"toRecipients", "ccRecipients", "bccRecipients", "categories",
	"isRead", "isDraft", "flag", "bodyPreview", "sentDateTime",
	"receivedDateTime", "hasAttachments",
}

var wellKnownIDs = []string{"inbox", "sentitems", "drafts", "deleteditems", "junkemail", "archive"}

// Adapter implements the mail provider against Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New builds an adapter over the given credential. userID is a Graph user
// reference, usually "me" for delegated tokens.
func New(cred *TokenCredential, userID string) (*Adapter, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client, userID: userID}, nil
}

// ListFolders lists all mail folders and tags the well-known ones. Graph
// does not return folder roles in the listing, so the role ids are resolved
// with one extra request per well-known alias.
func (a *Adapter) ListFolders(ctx context.Context) ([]mail.FolderInfo, error) {
	cfg := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top: Int32Ptr(100),
		},
	}
	result, err := a.client.Users().ByUserId(a.userID).MailFolders().Get(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to list mail folders: %w", err)
	}

	roles := a.resolveWellKnown(ctx)

	var folders []mail.FolderInfo
	for _, f := range result.GetValue() {
		info := mail.FolderInfo{}
		if id := f.GetId(); id != nil {
			info.ID = *id
		}
		if name := f.GetDisplayName(); name != nil {
			info.DisplayName = *name
		}
		if parent := f.GetParentFolderId(); parent != nil {
			info.ParentFolderID = *parent
		}
		if total := f.GetTotalItemCount(); total != nil {
			info.TotalCount = int(*total)
		}
		if unread := f.GetUnreadItemCount(); unread != nil {
			info.UnreadCount = int(*unread)
		}
		info.WellKnownName = roles[info.ID]
		folders = append(folders, info)
	}
	return folders, nil
}

// resolveWellKnown maps real folder ids onto their well-known aliases.
// Lookup failures just leave the role empty.
func (a *Adapter) resolveWellKnown(ctx context.Context) map[string]string {
	roles := make(map[string]string, len(wellKnownIDs))
	for _, alias := range wellKnownIDs {
		f, err := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId(alias).Get(ctx, nil)
		if err != nil {
			continue
		}
		if id := f.GetId(); id != nil {
			roles[*id] = alias
		}
	}
	return roles
}

// ListDelta returns one page of the folder's delta feed. cursor is either
// empty (start a fresh walk), an @odata.nextLink (resume mid-walk) or an
// @odata.deltaLink (fetch changes since the last walk).
func (a *Adapter) ListDelta(ctx context.Context, folderID, cursor string, pageSize int) (*mail.Page, error) {
	var (
		result users.ItemMailFoldersItemMessagesDeltaGetResponseable
		err    error
	)
	if cursor == "" {
		cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Top:    Int32Ptr(int32(pageSize)),
				Select: listSelect,
			},
		}
		result, err = a.client.Users().ByUserId(a.userID).
			MailFolders().ByMailFolderId(folderID).
			Messages().Delta().GetAsDeltaGetResponse(ctx, cfg)
	} else {
		// Next and delta links carry the full request state; replay them
		// verbatim through a raw-URL builder.
		builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(cursor, a.client.GetAdapter())
		result, err = builder.GetAsDeltaGetResponse(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("delta request failed for folder %s: %w", folderID, err)
	}

	page := &mail.Page{}
	for _, m := range result.GetValue() {
		if isRemoved(m) {
			continue
		}
		page.Messages = append(page.Messages, normalizeMessage(m))
	}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextLink = *next
	}
	if delta := result.GetOdataDeltaLink(); delta != nil {
		page.DeltaLink = *delta
	}
	return page, nil
}

// ListFull returns one page of a plain folder listing restricted to messages
// received at or after since.
func (a *Adapter) ListFull(ctx context.Context, folderID string, since time.Time, nextLink string, pageSize int) (*mail.Page, error) {
	var (
		result models.MessageCollectionResponseable
		err    error
	)
	if nextLink == "" {
		filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format("2006-01-02T15:04:05Z"))
		cfg := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Top:     Int32Ptr(int32(pageSize)),
				Select:  listSelect,
				Filter:  &filter,
				Orderby: []string{"receivedDateTime desc"},
			},
		}
		result, err = a.client.Users().ByUserId(a.userID).
			MailFolders().ByMailFolderId(folderID).
			Messages().Get(ctx, cfg)
	} else {
		builder := users.NewItemMailFoldersItemMessagesRequestBuilder(nextLink, a.client.GetAdapter())
		result, err = builder.Get(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("message listing failed for folder %s: %w", folderID, err)
	}

	page := &mail.Page{}
	for _, m := range result.GetValue() {
		page.Messages = append(page.Messages, normalizeMessage(m))
	}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextLink = *next
	}
	return page, nil
}

// GetMessageContent downloads body and attachment metadata for one message.
func (a *Adapter) GetMessageContent(ctx context.Context, msgUID string) (*mail.MessageContent, error) {
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "body", "internetMessageHeaders", "hasAttachments"},
		},
	}
	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(msgUID).Get(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", msgUID, err)
	}

	content := &mail.MessageContent{}
	if body := msg.GetBody(); body != nil && body.GetContent() != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			content.BodyHTML = *body.GetContent()
		} else {
			content.BodyPlain = *body.GetContent()
		}
	}
	if headers := msg.GetInternetMessageHeaders(); headers != nil {
		var b strings.Builder
		for _, h := range headers {
			if h.GetName() != nil && h.GetValue() != nil {
				fmt.Fprintf(&b, "%s: %s\r\n", *h.GetName(), *h.GetValue())
			}
		}
		content.Headers = b.String()
	}

	hasAtts := msg.GetHasAttachments()
	if hasAtts != nil && *hasAtts {
		atts, err := a.listAttachments(ctx, msgUID)
		if err != nil {
			return nil, err
		}
		content.Attachments = atts
	}
	return content, nil
}

func (a *Adapter) listAttachments(ctx context.Context, msgUID string) ([]mail.AttachmentMeta, error) {
	cfg := &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name", "contentType", "size", "isInline"},
		},
	}
	result, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(msgUID).
		Attachments().Get(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments of %s: %w", msgUID, err)
	}

	var metas []mail.AttachmentMeta
	for _, att := range result.GetValue() {
		meta := mail.AttachmentMeta{}
		if id := att.GetId(); id != nil {
			meta.UID = *id
		}
		if name := att.GetName(); name != nil {
			meta.Name = *name
		}
		if ct := att.GetContentType(); ct != nil {
			meta.ContentType = *ct
		}
		if size := att.GetSize(); size != nil {
			meta.SizeBytes = int64(*size)
		}
		if inline := att.GetIsInline(); inline != nil {
			meta.IsInline = *inline
		}
		if file, ok := att.(models.FileAttachmentable); ok {
			if cid := file.GetContentId(); cid != nil {
				meta.ContentID = *cid
			}
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// GetAttachment downloads one attachment's bytes. Only file attachments can
// be fetched; item and reference attachments have no byte content.
func (a *Adapter) GetAttachment(ctx context.Context, msgUID, attachmentUID string) (*mail.AttachmentContent, error) {
	att, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(msgUID).
		Attachments().ByAttachmentId(attachmentUID).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment %s: %w", attachmentUID, err)
	}

	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, fmt.Errorf("attachment %s is not a file attachment", attachmentUID)
	}

	content := &mail.AttachmentContent{Data: file.GetContentBytes()}
	if name := file.GetName(); name != nil {
		content.Name = *name
	}
	if ct := file.GetContentType(); ct != nil {
		content.ContentType = *ct
	}
	return content, nil
}

// normalizeMessage converts a Graph message to provider metadata.
func normalizeMessage(m models.Messageable) mail.Message {
	msg := mail.Message{}

	if id := m.GetId(); id != nil {
		msg.UID = *id
	}
	if imid := m.GetInternetMessageId(); imid != nil {
		msg.InternetMsgID = *imid
	}
	if parent := m.GetParentFolderId(); parent != nil {
		msg.FolderID = *parent
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		msg.From = extractAddress(from)
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())
	msg.Labels = m.GetCategories()

	if isRead := m.GetIsRead(); isRead != nil {
		msg.IsRead = *isRead
	}
	if isDraft := m.GetIsDraft(); isDraft != nil {
		msg.IsDraft = *isDraft
	}
	if flag := m.GetFlag(); flag != nil {
		if fs := flag.GetFlagStatus(); fs != nil && *fs == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			msg.IsFlagged = true
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if sent := m.GetSentDateTime(); sent != nil {
		msg.SentAt = *sent
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if hasAtts := m.GetHasAttachments(); hasAtts != nil {
		msg.HasAttachments = *hasAtts
	}
	return msg
}

// isRemoved reports whether a delta entry is a deletion marker.
func isRemoved(m models.Messageable) bool {
	if data := m.GetAdditionalData(); data != nil {
		if _, ok := data["@removed"]; ok {
			return true
		}
	}
	return false
}

func extractAddress(r models.Recipientable) mail.Address {
	addr := mail.Address{}
	if email := r.GetEmailAddress(); email != nil {
		if a := email.GetAddress(); a != nil {
			addr.Addr = *a
		}
		if n := email.GetName(); n != nil {
			addr.Name = *n
		}
	}
	return addr
}

func extractAddresses(recipients []models.Recipientable) []mail.Address {
	var addrs []mail.Address
	for _, r := range recipients {
		addrs = append(addrs, extractAddress(r))
	}
	return addrs
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
