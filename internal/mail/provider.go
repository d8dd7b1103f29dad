package mail

import (
	"context"
	"time"
)

// Address is one mail participant.
type Address struct {
	Addr string
	Name string
}

// Message is normalized provider message metadata.
type Message struct {
	UID            string
	InternetMsgID  string
	FolderID       string
	Subject        string
	From           Address
	To             []Address
	Cc             []Address
	Bcc            []Address
	Labels         []string
	IsRead         bool
	IsFlagged      bool
	IsDraft        bool
	Snippet        string
	SentAt         time.Time
	ReceivedAt     time.Time
	SizeBytes      int64
	HasAttachments bool
}

// FolderInfo is provider folder metadata.
type FolderInfo struct {
	ID             string
	DisplayName    string
	WellKnownName  string
	ParentFolderID string
	TotalCount     int
	UnreadCount    int
}

// Page is one provider listing page. Exactly one of NextLink and DeltaLink is
// set on a delta page: NextLink while more pages follow, DeltaLink at the end.
type Page struct {
	Messages  []Message
	NextLink  string
	DeltaLink string
}

// AttachmentMeta is provider attachment metadata.
type AttachmentMeta struct {
	UID         string
	Name        string
	ContentType string
	ContentID   string
	SizeBytes   int64
	IsInline    bool
}

// MessageContent is the full downloaded content of a message.
type MessageContent struct {
	Headers     string
	BodyPlain   string
	BodyHTML    string
	Attachments []AttachmentMeta
}

// AttachmentContent is downloaded attachment bytes.
type AttachmentContent struct {
	Name        string
	ContentType string
	Data        []byte
}

// Provider is the mailbox backend a group syncs against.
type Provider interface {
	// ListFolders lists all mail folders of the mailbox.
	ListFolders(ctx context.Context) ([]FolderInfo, error)

	// ListDelta returns one page of a delta walk. An empty cursor starts a
	// fresh walk; otherwise cursor is a NextLink or DeltaLink from an
	// earlier page.
	ListDelta(ctx context.Context, folderID, cursor string, pageSize int) (*Page, error)

	// ListFull returns one page of a plain listing restricted to messages
	// received at or after since. nextLink continues an earlier page.
	ListFull(ctx context.Context, folderID string, since time.Time, nextLink string, pageSize int) (*Page, error)

	// GetMessageContent downloads body and attachment metadata.
	GetMessageContent(ctx context.Context, msgUID string) (*MessageContent, error)

	// GetAttachment downloads one attachment's bytes.
	GetAttachment(ctx context.Context, msgUID, attachmentUID string) (*AttachmentContent, error)
}
