package adjustment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/retry"
)

func TestDriver_Page_DecodesAndComputesNextCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"slot":"100","value_delta":"-500"},{"slot":"99","value_delta":"250"}]`))
	}))
	defer server.Close()

	d := NewDriver("flashbots", server.URL, 50, retry.Policy{MaxAttempts: 1})
	adjustments, next, err := d.Page(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, adjustments, 2)

	assert.Equal(t, uint64(100), adjustments[0].Slot)
	assert.Equal(t, int64(-500), adjustments[0].DeltaValue.Int64())
	assert.Equal(t, "flashbots", adjustments[0].RelayIdentifier)
	assert.Equal(t, "98", next)
}

func TestDriver_Page_EmptyPageYieldsEmptyCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	d := NewDriver("flashbots", server.URL, 50, retry.Policy{MaxAttempts: 1})
	adjustments, next, err := d.Page(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, adjustments)
	assert.Equal(t, "", next)
}

func TestDriver_Page_RateLimitedIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	d := NewDriver("flashbots", server.URL, 50, retry.Policy{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond})
	_, _, err := d.Page(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	ie, ok := err.(*ingesterr.Error)
	require.True(t, ok)
	assert.Equal(t, ingesterr.RateLimited, ie.Kind)
}
