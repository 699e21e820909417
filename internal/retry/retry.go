// Package retry supplies the single retry policy shared by the RPC client
// and the relay collector: exponential backoff with a capped ceiling,
// stopped by a fixed attempt budget or an explicitly non-retryable error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pbsdata/ingestor/internal/ingesterr"
)

// Policy configures an exponential backoff retry loop.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// Do runs fn, retrying on errors ingesterr classifies as Retryable, up to
// MaxAttempts, with exponential backoff bounded by Cap. A RateLimited error
// ends the loop at once without using an attempt or waiting: Do returns it
// and does not retry it.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time

	bounded := backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	withCtx := backoff.WithContext(bounded, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !ingesterr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)
}

// Unwrap returns the underlying error from a backoff.Permanent wrapper, or
// err unchanged if it wasn't one.
func Unwrap(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
