package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleHealthTracker_UnknownEndpointIsHealthy(t *testing.T) {
	tr := NewSimpleHealthTracker()
	assert.True(t, tr.IsHealthy("https://rpc-a.example"))
}

func TestSimpleHealthTracker_OpensCircuitAfterConsecutiveFailures(t *testing.T) {
	tr := NewSimpleHealthTracker()
	endpoint := "https://rpc-a.example"

	for i := 0; i < 3; i++ {
		tr.RecordFailure(endpoint, errors.New("dial timeout"))
	}

	assert.False(t, tr.IsHealthy(endpoint))
}

func TestSimpleHealthTracker_StaysHealthyBelowThreshold(t *testing.T) {
	tr := NewSimpleHealthTracker()
	endpoint := "https://rpc-a.example"

	tr.RecordFailure(endpoint, errors.New("dial timeout"))
	tr.RecordFailure(endpoint, errors.New("dial timeout"))

	assert.True(t, tr.IsHealthy(endpoint))
}

func TestSimpleHealthTracker_GetBestEndpointSkipsUnhealthy(t *testing.T) {
	tr := NewSimpleHealthTracker()
	healthy := "https://rpc-good.example"
	unhealthy := "https://rpc-bad.example"

	for i := 0; i < 3; i++ {
		tr.RecordFailure(unhealthy, errors.New("dial timeout"))
	}
	tr.RecordSuccess(healthy, 10)

	best := tr.GetBestEndpoint([]string{unhealthy, healthy})
	assert.Equal(t, healthy, best)
}

func TestSimpleHealthTracker_Reset(t *testing.T) {
	tr := NewSimpleHealthTracker()
	endpoint := "https://rpc-a.example"
	for i := 0; i < 3; i++ {
		tr.RecordFailure(endpoint, errors.New("dial timeout"))
	}
	require := assert.New(t)
	require.False(tr.IsHealthy(endpoint))

	tr.Reset(endpoint)
	require.True(tr.IsHealthy(endpoint))
}
