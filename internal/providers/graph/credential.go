package graph

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/sync"
)

// TokenCredential adapts the token manager to the Azure credential
// interface. Every Graph request pulls the group's current access token, so
// a refresh in the middle of a long sync pass is picked up transparently.
type TokenCredential struct {
	tokens  *auth.TokenManager
	groupID string
}

func NewTokenCredential(tokens *auth.TokenManager, groupID string) *TokenCredential {
	return &TokenCredential{tokens: tokens, groupID: groupID}
}

func (c *TokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	token, err := c.tokens.AccessToken(ctx, c.groupID)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	// Short lifetime so the SDK re-asks and sees refreshed tokens.
	return azcore.AccessToken{
		Token:     token,
		ExpiresOn: time.Now().Add(5 * time.Minute),
	}, nil
}

// NewFactory returns a sync factory producing Graph adapters bound to a
// group's credentials.
func NewFactory(tokens *auth.TokenManager) sync.Factory {
	return func(ctx context.Context, groupID string) (mail.Provider, error) {
		// Fail fast on unlinked or rejected credentials before any
		// folder work starts.
		if _, err := tokens.AccessToken(ctx, groupID); err != nil {
			return nil, err
		}
		return New(NewTokenCredential(tokens, groupID), "me")
	}
}
