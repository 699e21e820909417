package ingesterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Transient, "rpc", "timeout", nil)))
	assert.False(t, Retryable(New(RateLimited, "relay", "429", nil)))
	assert.False(t, Retryable(New(DataFormat, "relay", "bad json", nil)))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(New(FatalStartup, "store", "db unreachable", nil)))
	assert.True(t, Fatal(New(FatalMidRun, "store", "schema mismatch", nil)))
	assert.False(t, Fatal(New(Transient, "rpc", "timeout", nil)))
	assert.False(t, Fatal(errors.New("plain")))
}

func TestUnitFailed(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{DataFormat, true},
		{ContractViolation, true},
		{NotFound, true},
		{Transient, true},
		{RateLimited, false},
		{FatalStartup, false},
		{FatalMidRun, false},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, UnitFailed(New(tc.kind, "x", "y", nil)))
		})
	}
	// A non-classified error is treated conservatively as a unit failure.
	assert.True(t, UnitFailed(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	e := New(Transient, "rpc", "timeout", errors.New("dial tcp: timeout"))
	assert.Contains(t, e.Error(), "rpc")
	assert.Contains(t, e.Error(), "timeout")
	assert.Contains(t, e.Error(), "dial tcp")
	assert.Equal(t, "dial tcp: timeout", errors.Unwrap(e).Error())
}
