package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"driftsync.dev/token"
)

// adapter-local retry budget for idempotent reads. Non-idempotent calls are
// never retried here.
const (
	maxReadRetries   = 3
	retryBaseBackoff = 500 * time.Millisecond
)

// errUnauthorized marks a 401 inside a paginated call.
var errUnauthorized = errors.New("source: upstream returned 401")

// callWithAuthRetry runs one idempotent upstream request. fn receives the
// current access token and returns the HTTP status it observed (0 when no
// response arrived). On 401 the token manager is asked for a forced refresh
// and the single failing request is retried once; transient 5xx and transport
// errors are retried with exponential backoff within the adapter-local
// budget.
func callWithAuthRetry(ctx context.Context, tokens token.Provider, fn func(tok string) (int, error)) error {
	tok, err := tokens.ValidToken(ctx)
	if err != nil {
		return err
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt < maxReadRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBaseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		status, err := fn(tok)
		if err == nil {
			return nil
		}
		lastErr = err

		if status == http.StatusUnauthorized {
			if refreshed {
				return fmt.Errorf("%w after refresh: %v", errUnauthorized, err)
			}
			refreshed = true
			tok, err = tokens.RefreshOnUnauthorized(ctx)
			if err != nil {
				return err
			}
			// The refreshed token gets its retry immediately.
			attempt--
			continue
		}
		if status >= 400 && status < 500 && status != 0 {
			// Client errors other than 401 will not improve with retries.
			return err
		}
	}
	return fmt.Errorf("source: retries exhausted: %w", lastErr)
}
