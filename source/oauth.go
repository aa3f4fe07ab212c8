package source

import (
	"context"

	"driftsync.dev/token"
)

// ValidateConnection is the shared liveness and authorization check for
// bearer-token SaaS sources: an authenticated ping that refreshes once on 401
// and falls back to a JWT exp peek when no ping URL is configured.
func ValidateConnection(ctx context.Context, tokens token.Provider, pingURL string) error {
	return token.ValidateAccessToken(ctx, tokens, token.ValidateOptions{PingURL: pingURL})
}

// ValidateWithIntrospection is the RFC 7662 variant for providers that expose
// a token introspection endpoint.
func ValidateWithIntrospection(ctx context.Context, tokens token.Provider, introspectionURL, clientID, clientSecret string) error {
	return token.ValidateAccessToken(ctx, tokens, token.ValidateOptions{
		IntrospectionURL: introspectionURL,
		ClientID:         clientID,
		ClientSecret:     clientSecret,
	})
}
