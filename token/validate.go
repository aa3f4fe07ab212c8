package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidateOptions configures the shared OAuth2 validation helper used by
// source adapters for their liveness and authorization check.
type ValidateOptions struct {
	// IntrospectionURL enables RFC 7662 token introspection when set.
	IntrospectionURL string

	// PingURL is an authenticated endpoint to probe when the provider has no
	// introspection endpoint (most SaaS APIs).
	PingURL string

	// ClientID and ClientSecret authenticate the introspection request.
	ClientID     string
	ClientSecret string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// ErrTokenInvalid is returned when validation conclusively fails.
var ErrTokenInvalid = errors.New("token: access token is not valid")

// ValidateAccessToken checks that the connection's token is live and
// authorized: RFC 7662 introspection when configured, otherwise an
// authenticated ping, refreshing once on 401; for opaque setups with neither
// endpoint, a JWT exp peek is the last-resort check.
func ValidateAccessToken(ctx context.Context, provider Provider, opts ValidateOptions) error {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	tok, err := provider.ValidToken(ctx)
	if err != nil {
		return err
	}

	switch {
	case opts.IntrospectionURL != "":
		return introspect(ctx, client, provider, opts, tok, true)
	case opts.PingURL != "":
		return ping(ctx, client, provider, opts.PingURL, tok, true)
	default:
		return peekExpiry(tok)
	}
}

// introspect POSTs the token to the RFC 7662 endpoint and checks "active".
func introspect(ctx context.Context, client *http.Client, provider Provider, opts ValidateOptions, tok string, retryOn401 bool) error {
	form := url.Values{"token": {tok}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if opts.ClientID != "" {
		req.SetBasicAuth(opts.ClientID, opts.ClientSecret)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("token: introspection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && retryOn401 {
		refreshed, err := provider.RefreshOnUnauthorized(ctx)
		if err != nil {
			return err
		}
		return introspect(ctx, client, provider, opts, refreshed, false)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token: introspection returned %s", resp.Status)
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("token: decode introspection response: %w", err)
	}
	if !body.Active {
		return ErrTokenInvalid
	}
	return nil
}

// ping issues an authenticated GET and accepts any 2xx.
func ping(ctx context.Context, client *http.Client, provider Provider, pingURL, tok string, retryOn401 bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("token: ping request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && retryOn401 {
		refreshed, err := provider.RefreshOnUnauthorized(ctx)
		if err != nil {
			return err
		}
		return ping(ctx, client, provider, pingURL, refreshed, false)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("token: ping returned %s", resp.Status)
	}
	return nil
}

// peekExpiry parses the token as a JWT without verifying the signature and
// checks the exp claim. Non-JWT opaque tokens pass: with no endpoint to ask,
// absence of evidence is the best available answer.
func peekExpiry(tok string) error {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return nil // opaque token, nothing to peek at
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return fmt.Errorf("%w: expired at %s", ErrTokenInvalid, exp.Format(time.RFC3339))
	}
	return nil
}
