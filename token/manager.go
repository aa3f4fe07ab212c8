// Package token keeps a single valid OAuth2 access token per source
// connection for the lifetime of a run. The manager is the sole authority on
// "what is the current access token": workers ask it before every upstream
// request, and a per-connection mutex guarantees that concurrent workers
// observing an expired token trigger at most one network refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"driftsync.dev/common"
	"driftsync.dev/credstore"
)

// RefreshInterval is the proactive refresh window: tokens older than this are
// refreshed before use. 25 minutes sits well under the typical 1-hour expiry.
const RefreshInterval = 25 * time.Minute

// ErrNotRefreshable is returned when a refresh is requested for a directly
// injected token or API key.
var ErrNotRefreshable = errors.New("token: credentials are not refreshable")

// Provider is the view sources get of the manager.
type Provider interface {
	// ValidToken returns the current access token, refreshing proactively
	// when the refresh window has elapsed.
	ValidToken(ctx context.Context) (string, error)

	// RefreshOnUnauthorized forces a refresh after a 401 and returns the new
	// token. Fails with ErrNotRefreshable for non-refreshable credentials.
	RefreshOnUnauthorized(ctx context.Context) (string, error)
}

// Refresher performs one network refresh and returns the updated credentials.
// Implementations persist rotated material back to the credential store.
type Refresher interface {
	Refresh(ctx context.Context, current *credstore.Credentials) (*credstore.Credentials, error)
}

// Manager holds the live token state of one source connection during a run.
type Manager struct {
	mu          sync.Mutex
	creds       *credstore.Credentials
	lastRefresh time.Time
	refreshable bool
	refresher   Refresher
	log         *logrus.Entry
}

// NewManager builds a manager over the connection's credentials. refresher
// may be nil when the credentials are not refreshable.
func NewManager(creds *credstore.Credentials, refresher Refresher, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(common.Logger)
	}
	return &Manager{
		creds:       creds,
		lastRefresh: time.Now(),
		refreshable: creds.Refreshable() && refresher != nil,
		refresher:   refresher,
		log:         log.WithField("connection_id", creds.ConnectionID),
	}
}

// ValidToken implements Provider. The interval check is double-checked around
// the mutex so the common fresh-token path stays cheap and concurrent callers
// behind a refresher wait for the single in-flight refresh.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	if !m.refreshable {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.creds.AccessToken, nil
	}

	m.mu.Lock()
	fresh := time.Since(m.lastRefresh) < RefreshInterval
	tok := m.creds.AccessToken
	m.mu.Unlock()
	if fresh {
		return tok, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check: another worker may have refreshed while we waited.
	if time.Since(m.lastRefresh) < RefreshInterval {
		return m.creds.AccessToken, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.creds.AccessToken, nil
}

// RefreshOnUnauthorized implements Provider.
func (m *Manager) RefreshOnUnauthorized(ctx context.Context) (string, error) {
	if !m.refreshable {
		return "", ErrNotRefreshable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// If another worker already refreshed moments ago, its token is the one
	// the 401 retry should use; do not refresh again.
	if time.Since(m.lastRefresh) < 5*time.Second {
		return m.creds.AccessToken, nil
	}
	m.log.Warn("401 from source, forcing token refresh")
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.creds.AccessToken, nil
}

// refreshLocked performs one network refresh. Callers hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context) error {
	updated, err := m.refresher.Refresh(ctx, m.creds)
	if err != nil {
		return fmt.Errorf("token: refresh for connection %s: %w", m.creds.ConnectionID, err)
	}
	m.creds = updated
	m.lastRefresh = time.Now()
	m.log.Debug("access token refreshed")
	return nil
}

// Refreshable reports whether the manager can perform refreshes.
func (m *Manager) Refreshable() bool { return m.refreshable }
