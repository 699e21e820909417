package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbsdata/ingestor/internal/ingesterr"
)

func TestPolicy_Do_RetriesTransientUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return ingesterr.New(ingesterr.Transient, "test", "flaky", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicy_Do_StopsAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 10 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return ingesterr.New(ingesterr.Transient, "test", "always fails", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicy_Do_DoesNotRetryNonRetryableError(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond}

	attempts := 0
	sentinel := ingesterr.New(ingesterr.DataFormat, "test", "bad payload", nil)
	err := p.Do(context.Background(), func() error {
		attempts++
		return sentinel
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Same(t, sentinel, Unwrap(err))
}

func TestPolicy_Do_DoesNotRetryRateLimited(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return ingesterr.New(ingesterr.RateLimited, "test", "429", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestUnwrap_PlainError(t *testing.T) {
	plain := errors.New("not wrapped")
	assert.Same(t, plain, Unwrap(plain))
}
