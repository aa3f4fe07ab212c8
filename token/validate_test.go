package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticProvider serves a fixed token; refreshes swap to the next one.
type staticProvider struct {
	token     string
	next      string
	refreshes atomic.Int64
}

func (p *staticProvider) ValidToken(_ context.Context) (string, error) {
	return p.token, nil
}

func (p *staticProvider) RefreshOnUnauthorized(_ context.Context) (string, error) {
	p.refreshes.Add(1)
	if p.next == "" {
		return "", ErrNotRefreshable
	}
	p.token = p.next
	return p.token, nil
}

func TestValidateViaIntrospection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("token") == "good" {
			w.Write([]byte(`{"active": true}`))
			return
		}
		w.Write([]byte(`{"active": false}`))
	}))
	defer srv.Close()

	provider := &staticProvider{token: "good"}
	err := ValidateAccessToken(context.Background(), provider, ValidateOptions{
		IntrospectionURL: srv.URL,
		ClientID:         "cid",
		ClientSecret:     "sec",
	})
	assert.NoError(t, err)

	provider.token = "revoked"
	err = ValidateAccessToken(context.Background(), provider, ValidateOptions{IntrospectionURL: srv.URL})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateViaPingWithRefreshRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider := &staticProvider{token: "stale", next: "fresh"}
	err := ValidateAccessToken(context.Background(), provider, ValidateOptions{PingURL: srv.URL})
	assert.NoError(t, err)
	assert.EqualValues(t, 1, provider.refreshes.Load())
}

func TestValidatePingFailsAfterSecond401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider := &staticProvider{token: "stale", next: "still-bad"}
	err := ValidateAccessToken(context.Background(), provider, ValidateOptions{PingURL: srv.URL})
	assert.Error(t, err)
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "conn",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

func TestValidateJWTExpPeek(t *testing.T) {
	live := &staticProvider{token: signedJWT(t, time.Now().Add(time.Hour))}
	assert.NoError(t, ValidateAccessToken(context.Background(), live, ValidateOptions{}))

	expired := &staticProvider{token: signedJWT(t, time.Now().Add(-time.Hour))}
	err := ValidateAccessToken(context.Background(), expired, ValidateOptions{})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateOpaqueTokenPasses(t *testing.T) {
	provider := &staticProvider{token: "not-a-jwt-at-all"}
	assert.NoError(t, ValidateAccessToken(context.Background(), provider, ValidateOptions{}))
}
