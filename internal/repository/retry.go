package repository

import (
	"context"
	"errors"
	"time"

	"imfree-backend/internal/docstore"
)

// RetryPolicy retries transient store failures a bounded number of times with
// exponential backoff. It is applied at the session-store boundary only;
// coordination-level errors are never retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is the policy used unless a repository is configured otherwise
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	backoff := p.Backoff
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}
