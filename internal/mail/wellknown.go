package mail

import "strings"

// Well-known folder roles, in display order.
const (
	RoleInbox   = "inbox"
	RoleSent    = "sent"
	RoleDrafts  = "drafts"
	RoleDeleted = "deleted"
	RoleJunk    = "junk"
	RoleArchive = "archive"
)

var wellKnownAliases = map[string]string{
	"inbox":        RoleInbox,
	"sentitems":    RoleSent,
	"sent":         RoleSent,
	"drafts":       RoleDrafts,
	"deleteditems": RoleDeleted,
	"trash":        RoleDeleted,
	"junkemail":    RoleJunk,
	"junk":         RoleJunk,
	"spam":         RoleJunk,
	"archive":      RoleArchive,
}

// NormalizeRole maps a provider's well-known folder name onto our role
// vocabulary. Unknown names map to the empty role.
func NormalizeRole(name string) string {
	return wellKnownAliases[strings.ToLower(strings.TrimSpace(name))]
}

// ResolveFolderRef matches a caller-supplied folder reference against a
// folder id, role or display name.
func ResolveFolderRef(ref, folderID, role, displayName string) bool {
	if ref == folderID {
		return true
	}
	lc := strings.ToLower(strings.TrimSpace(ref))
	if lc != "" && NormalizeRole(lc) == role && role != "" {
		return true
	}
	return strings.EqualFold(ref, displayName)
}
