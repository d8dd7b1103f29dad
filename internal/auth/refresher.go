package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailvault/internal/store"
)

// OAuthRefresher exchanges refresh tokens against an identity provider's
// token endpoint.
type OAuthRefresher struct {
	conf *oauth2.Config
}

// NewGraphRefresher targets the Microsoft identity platform.
func NewGraphRefresher(clientID, tenant string, scopes []string) *OAuthRefresher {
	return &OAuthRefresher{conf: &oauth2.Config{
		ClientID: clientID,
		Endpoint: microsoft.AzureADEndpoint(tenant),
		Scopes:   scopes,
	}}
}

// NewGoogleRefresher targets Google's token endpoint. Google requires the
// client secret on refresh.
func NewGoogleRefresher(clientID, clientSecret string, scopes []string) *OAuthRefresher {
	return &OAuthRefresher{conf: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}}
}

func (g *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*store.Token, error) {
	src := g.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%s: %w", rerr.ErrorDescription, ErrRefreshRejected)
		}
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}

	out := &store.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ATExpiresAt:  tok.Expiry.Unix(),
	}
	if tok.RefreshToken != "" {
		out.RTExpiresAt = time.Now().Add(90 * 24 * time.Hour).Unix()
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out, nil
}
