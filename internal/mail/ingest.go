// Package mail normalizes provider messages into store rows and manages the
// lazy download of bodies and attachments.
package mail

import (
	"strings"
	"time"

	"github.com/Martian-dev/mailvault/internal/store"
)

// Flag tokens stored semicolon-joined on a message.
const (
	FlagUnread  = "UNREAD"
	FlagFlagged = "FLAGGED"
	FlagDraft   = "DRAFT"
)

// Normalize converts a provider message into a store row. All derived
// columns (joined recipients, flags, shadow text) come from here so every
// ingestion path writes them the same way.
func Normalize(groupID string, m *Message) store.MessageInput {
	in := store.MessageInput{
		GroupID:        groupID,
		MsgUID:         m.UID,
		InternetMsgID:  m.InternetMsgID,
		FolderID:       m.FolderID,
		Subject:        m.Subject,
		FromAddr:       m.From.Addr,
		FromName:       m.From.Name,
		LabelsJoined:   strings.Join(m.Labels, ";"),
		Flags:          joinFlags(m),
		Snippet:        m.Snippet,
		SizeBytes:      m.SizeBytes,
		HasAttachments: m.HasAttachments,
	}
	if !m.SentAt.IsZero() {
		in.SentAt = m.SentAt.UTC().Format(time.RFC3339)
	}
	if !m.ReceivedAt.IsZero() {
		in.ReceivedAt = m.ReceivedAt.UTC().Format(time.RFC3339)
	}

	var joined []string
	seen := make(map[string]bool)
	appendKind := func(addrs []Address, kind string) {
		for _, a := range addrs {
			addr := strings.TrimSpace(a.Addr)
			if addr == "" {
				continue
			}
			in.Recipients = append(in.Recipients, store.RecipientInput{
				Addr: addr,
				Name: a.Name,
				Kind: kind,
			})
			lc := strings.ToLower(addr)
			if !seen[lc] {
				seen[lc] = true
				joined = append(joined, addr)
			}
		}
	}
	appendKind(m.To, "to")
	appendKind(m.Cc, "cc")
	appendKind(m.Bcc, "bcc")
	in.ToJoined = strings.Join(joined, ";")

	return in
}

func joinFlags(m *Message) string {
	var flags []string
	if !m.IsRead {
		flags = append(flags, FlagUnread)
	}
	if m.IsFlagged {
		flags = append(flags, FlagFlagged)
	}
	if m.IsDraft {
		flags = append(flags, FlagDraft)
	}
	return strings.Join(flags, ";")
}

// HasFlag reports whether a stored flags column carries the given token.
func HasFlag(flags, token string) bool {
	for _, f := range strings.Split(flags, ";") {
		if f == token {
			return true
		}
	}
	return false
}
