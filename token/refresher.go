package token

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"driftsync.dev/credstore"
)

// Saver persists refreshed credentials. *credstore.Store satisfies it.
type Saver interface {
	Save(ctx context.Context, creds *credstore.Credentials) error
}

// WhiteLabel overrides the OAuth2 client identity for white-labeled source
// connections: the refresh request is made with the customer's client id and
// secret instead of the platform's.
type WhiteLabel struct {
	ClientID     string
	ClientSecret string
}

// OAuth2Refresher refreshes through the standard refresh-token grant against
// the source's token endpoint, then persists the rotated material.
type OAuth2Refresher struct {
	saver      Saver
	whiteLabel *WhiteLabel
}

// NewOAuth2Refresher builds the standard refresher. whiteLabel may be nil.
func NewOAuth2Refresher(saver Saver, whiteLabel *WhiteLabel) *OAuth2Refresher {
	return &OAuth2Refresher{saver: saver, whiteLabel: whiteLabel}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, current *credstore.Credentials) (*credstore.Credentials, error) {
	if current.RefreshToken == "" || current.TokenURL == "" {
		return nil, ErrNotRefreshable
	}

	clientID, clientSecret := current.ClientID, current.ClientSecret
	if r.whiteLabel != nil {
		clientID, clientSecret = r.whiteLabel.ClientID, r.whiteLabel.ClientSecret
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: current.TokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token grant: %w", err)
	}

	updated := *current
	updated.AccessToken = tok.AccessToken
	updated.ExpiresAt = tok.Expiry
	// Providers that rotate refresh tokens return a new one; keep the old
	// token only when none was issued.
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}

	if r.saver != nil {
		if err := r.saver.Save(ctx, &updated); err != nil {
			return nil, fmt.Errorf("persist refreshed credentials: %w", err)
		}
	}
	return &updated, nil
}

// AuthProvider fetches fresh credentials for a source short name from an
// external auth provider (e.g. a hosted credential broker).
type AuthProvider interface {
	FetchCredentials(ctx context.Context, sourceShort string) (*credstore.Credentials, error)
}

// ProviderRefresher delegates refresh to an external auth provider and
// persists what it returns.
type ProviderRefresher struct {
	provider AuthProvider
	saver    Saver
}

// NewProviderRefresher builds the auth-provider-backed refresher.
func NewProviderRefresher(provider AuthProvider, saver Saver) *ProviderRefresher {
	return &ProviderRefresher{provider: provider, saver: saver}
}

func (r *ProviderRefresher) Refresh(ctx context.Context, current *credstore.Credentials) (*credstore.Credentials, error) {
	fetched, err := r.provider.FetchCredentials(ctx, current.SourceShort)
	if err != nil {
		return nil, fmt.Errorf("auth provider fetch for %s: %w", current.SourceShort, err)
	}

	updated := *current
	updated.AccessToken = fetched.AccessToken
	if fetched.RefreshToken != "" {
		updated.RefreshToken = fetched.RefreshToken
	}
	updated.ExpiresAt = fetched.ExpiresAt

	if r.saver != nil {
		if err := r.saver.Save(ctx, &updated); err != nil {
			return nil, fmt.Errorf("persist refreshed credentials: %w", err)
		}
	}
	return &updated, nil
}
