package token

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftsync.dev/credstore"
)

// countingRefresher counts network refreshes and hands out sequential tokens.
type countingRefresher struct {
	calls atomic.Int64
	delay time.Duration
}

func (r *countingRefresher) Refresh(_ context.Context, current *credstore.Credentials) (*credstore.Credentials, error) {
	n := r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	updated := *current
	updated.AccessToken = fmt.Sprintf("token-%d", n)
	return &updated, nil
}

func oauthCreds() *credstore.Credentials {
	return &credstore.Credentials{
		ConnectionID: "conn-1",
		SourceShort:  "gitea",
		AuthType:     credstore.AuthOAuth2,
		AccessToken:  "token-0",
		RefreshToken: "refresh-0",
		TokenURL:     "https://example.com/oauth/token",
	}
}

func TestValidTokenFreshWindowSkipsRefresh(t *testing.T) {
	refresher := &countingRefresher{}
	m := NewManager(oauthCreds(), refresher, nil)

	tok, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-0", tok)
	assert.EqualValues(t, 0, refresher.calls.Load())
}

func TestValidTokenRefreshesAfterInterval(t *testing.T) {
	refresher := &countingRefresher{}
	m := NewManager(oauthCreds(), refresher, nil)
	m.lastRefresh = time.Now().Add(-RefreshInterval - time.Minute)

	tok, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.EqualValues(t, 1, refresher.calls.Load())

	// Second call sees the fresh timestamp and does not refresh again.
	tok, err = m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.EqualValues(t, 1, refresher.calls.Load())
}

// Twenty workers observe an expired token at once: exactly one refresh call
// goes out and every worker ends up with the token it fetched.
func TestRefreshStormSingleNetworkCall(t *testing.T) {
	refresher := &countingRefresher{delay: 20 * time.Millisecond}
	m := NewManager(oauthCreds(), refresher, nil)
	m.lastRefresh = time.Now().Add(-RefreshInterval - time.Minute)

	const workers = 20
	tokens := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.ValidToken(context.Background())
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, refresher.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestRefreshOnUnauthorizedStorm(t *testing.T) {
	refresher := &countingRefresher{delay: 10 * time.Millisecond}
	m := NewManager(oauthCreds(), refresher, nil)
	m.lastRefresh = time.Now().Add(-time.Hour)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.RefreshOnUnauthorized(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "token-1", tok)
		}()
	}
	wg.Wait()

	// The post-refresh grace window collapses the storm to one call.
	assert.EqualValues(t, 1, refresher.calls.Load())
}

func TestNonRefreshableCredentials(t *testing.T) {
	creds := &credstore.Credentials{
		ConnectionID: "conn-2",
		AuthType:     credstore.AuthAPIKey,
		AccessToken:  "api-key-value",
	}
	m := NewManager(creds, &countingRefresher{}, nil)
	assert.False(t, m.Refreshable())

	tok, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api-key-value", tok)

	_, err = m.RefreshOnUnauthorized(context.Background())
	assert.ErrorIs(t, err, ErrNotRefreshable)
}

func TestDirectTokenNeverRefreshes(t *testing.T) {
	creds := &credstore.Credentials{
		ConnectionID: "conn-3",
		AuthType:     credstore.AuthDirect,
		AccessToken:  "injected",
	}
	refresher := &countingRefresher{}
	m := NewManager(creds, refresher, nil)
	m.lastRefresh = time.Now().Add(-time.Hour)

	tok, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "injected", tok)
	assert.EqualValues(t, 0, refresher.calls.Load())
}
