package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRole(t *testing.T) {
	cases := map[string]string{
		"inbox":        RoleInbox,
		"Inbox":        RoleInbox,
		"sentitems":    RoleSent,
		"SentItems":    RoleSent,
		"deleteditems": RoleDeleted,
		"trash":        RoleDeleted,
		"junkemail":    RoleJunk,
		"spam":         RoleJunk,
		"archive":      RoleArchive,
		" drafts ":     RoleDrafts,
		"outbox":       "",
		"":             "",
	}
	for name, want := range cases {
		assert.Equal(t, want, NormalizeRole(name), "name %q", name)
	}
}

func TestResolveFolderRef(t *testing.T) {
	// By raw folder id.
	assert.True(t, ResolveFolderRef("AAMkAD=", "AAMkAD=", RoleInbox, "Inbox"))
	// By role, including provider aliases.
	assert.True(t, ResolveFolderRef("inbox", "AAMkAD=", RoleInbox, "Inbox"))
	assert.True(t, ResolveFolderRef("sentitems", "xyz", RoleSent, "Sent Items"))
	assert.True(t, ResolveFolderRef("trash", "xyz", RoleDeleted, "Deleted Items"))
	// By display name, case-insensitive.
	assert.True(t, ResolveFolderRef("deleted items", "xyz", RoleDeleted, "Deleted Items"))
	// Mismatches.
	assert.False(t, ResolveFolderRef("inbox", "xyz", RoleSent, "Sent Items"))
	assert.False(t, ResolveFolderRef("inbox", "xyz", "", "Custom"))
}
