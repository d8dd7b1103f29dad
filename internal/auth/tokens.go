package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/Martian-dev/mailvault/internal/store"
)

var (
	// ErrNotLinked means the group has no stored OAuth credential.
	ErrNotLinked = errors.New("group not linked")
	// ErrRefreshRejected means the identity provider refused the refresh
	// token. The credential is dead; only a new interactive login helps.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Refresher exchanges a refresh token for a fresh token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*store.Token, error)
}

// TokenManager hands out valid access tokens for mailbox groups. Refreshes
// are serialized per group so concurrent callers trigger at most one network
// round trip, and tokens are renewed ahead of expiry by a configurable skew.
type TokenManager struct {
	store     *store.Store
	refresher Refresher
	skew      time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTokenManager(st *store.Store, r Refresher, skew time.Duration, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		store:     st,
		refresher: r,
		skew:      skew,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *TokenManager) groupLock(groupID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[groupID] = l
	}
	return l
}

func (m *TokenManager) fresh(t *store.Token) bool {
	return time.Unix(t.ATExpiresAt, 0).Add(-m.skew).After(time.Now())
}

// AccessToken returns a usable access token for the group, refreshing it
// first when it is expired or inside the skew window.
func (m *TokenManager) AccessToken(ctx context.Context, groupID string) (string, error) {
	tok, err := m.store.GetToken(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("group %s: %w", groupID, ErrNotLinked)
		}
		return "", err
	}
	if m.fresh(tok) {
		return tok.AccessToken, nil
	}

	lock := m.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	tok, err = m.store.GetToken(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("group %s: %w", groupID, ErrNotLinked)
		}
		return "", err
	}
	if m.fresh(tok) {
		return tok.AccessToken, nil
	}

	refreshed, err := m.refresher.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			m.logger.Warn("refresh token rejected", "group", groupID)
			if serr := m.store.SetGroupStatus(ctx, groupID, store.StatusLoginFailed); serr != nil {
				m.logger.Error("failed to mark group login failed", "group", groupID, "error", serr)
			}
		}
		return "", fmt.Errorf("failed to refresh token for group %s: %w", groupID, err)
	}

	merged := *tok
	merged.AccessToken = refreshed.AccessToken
	merged.ATExpiresAt = refreshed.ATExpiresAt
	if refreshed.RefreshToken != "" {
		merged.RefreshToken = refreshed.RefreshToken
		merged.RTExpiresAt = refreshed.RTExpiresAt
	}
	if refreshed.IDToken != "" {
		merged.IDToken = refreshed.IDToken
		if tenant, username := IDTokenClaims(refreshed.IDToken); tenant != "" || username != "" {
			if tenant != "" {
				merged.TenantID = tenant
			}
			m.logger.Debug("refreshed token", "group", groupID, "account", username)
		}
	}
	if refreshed.Scope != "" {
		merged.Scope = refreshed.Scope
	}

	if err := m.store.SaveToken(ctx, &merged); err != nil {
		return "", err
	}
	if err := m.store.SetGroupStatus(ctx, groupID, store.StatusLoginOK); err != nil {
		m.logger.Error("failed to mark group login ok", "group", groupID, "error", err)
	}
	m.logger.Info("access token refreshed", "group", groupID,
		"expires_at", time.Unix(merged.ATExpiresAt, 0))
	return merged.AccessToken, nil
}

// VerifyResult is the per-group outcome of a credential check.
type VerifyResult struct {
	GroupID string `json:"group_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// VerifyGroups checks each group's credential by obtaining an access token,
// refreshing where needed. Statuses are persisted by AccessToken as a side
// effect; a transient refresh failure leaves the stored status untouched.
func (m *TokenManager) VerifyGroups(ctx context.Context, groupIDs []string) []VerifyResult {
	results := make([]VerifyResult, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		res := VerifyResult{GroupID: groupID}
		_, err := m.AccessToken(ctx, groupID)
		switch {
		case err == nil:
			res.Status = store.StatusLoginOK
		case errors.Is(err, ErrNotLinked):
			res.Status = store.StatusNotLoggedIn
			res.Error = err.Error()
		case errors.Is(err, ErrRefreshRejected):
			res.Status = store.StatusLoginFailed
			res.Error = err.Error()
		default:
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// Link stores a freshly obtained credential and marks the group logged in.
func (m *TokenManager) Link(ctx context.Context, tok *store.Token) error {
	if tok.IDToken != "" && tok.TenantID == "" {
		tok.TenantID, _ = IDTokenClaims(tok.IDToken)
	}
	if tok.RTExpiresAt == 0 {
		// Personal-account refresh tokens live 90 days from issuance.
		tok.RTExpiresAt = time.Now().Add(90 * 24 * time.Hour).Unix()
	}
	if err := m.store.SaveToken(ctx, tok); err != nil {
		return err
	}
	return m.store.SetGroupStatus(ctx, tok.GroupID, store.StatusLoginOK)
}

// Unlink discards the group's credential and resets its login status.
func (m *TokenManager) Unlink(ctx context.Context, groupID string) error {
	if err := m.store.DeleteToken(ctx, groupID); err != nil {
		return err
	}
	return m.store.SetGroupStatus(ctx, groupID, store.StatusNotLoggedIn)
}

// IDTokenClaims pulls the tenant and account name out of an OpenID Connect
// id_token without verifying it. The token came straight from the token
// endpoint over TLS, so signature verification adds nothing here.
func IDTokenClaims(idToken string) (tenantID, username string) {
	tok, err := jwt.Parse([]byte(idToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return "", ""
	}
	if v, ok := tok.Get("tid"); ok {
		tenantID, _ = v.(string)
	}
	if v, ok := tok.Get("preferred_username"); ok {
		username, _ = v.(string)
	}
	return tenantID, username
}
