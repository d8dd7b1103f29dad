package gmail

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/sync"
)

// tokenSource hands the Gmail client the group's current access token. The
// short expiry makes the oauth2 transport re-ask, so a refresh in the middle
// of a long sync pass is picked up transparently.
type tokenSource struct {
	ctx     context.Context
	tokens  *auth.TokenManager
	groupID string
}

func (t *tokenSource) Token() (*oauth2.Token, error) {
	at, err := t.tokens.AccessToken(t.ctx, t.groupID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: at,
		Expiry:      time.Now().Add(5 * time.Minute),
	}, nil
}

// NewFactory returns a sync factory producing Gmail adapters bound to a
// group's credentials.
func NewFactory(tokens *auth.TokenManager) sync.Factory {
	return func(ctx context.Context, groupID string) (mail.Provider, error) {
		// Fail fast on unlinked or rejected credentials before any
		// folder work starts.
		if _, err := tokens.AccessToken(ctx, groupID); err != nil {
			return nil, err
		}
		svc, err := gmailapi.NewService(ctx,
			option.WithTokenSource(&tokenSource{ctx: ctx, tokens: tokens, groupID: groupID}))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail service: %w", err)
		}
		return New(svc, "me"), nil
	}
}
