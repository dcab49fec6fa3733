package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEndpointRequiresPrimary(t *testing.T) {
	_, err := NewEndpoint("", "http://mirror")
	assert.Error(t, err)
}

func TestEndpointHealthTracking(t *testing.T) {
	e, err := NewEndpoint("http://primary", "")
	require.NoError(t, err)

	e.RecordSuccess(10 * time.Millisecond)
	e.RecordSuccess(30 * time.Millisecond)
	e.RecordFailure()

	h := e.Health()
	assert.Equal(t, int64(3), h.TotalRequests)
	assert.Equal(t, int64(2), h.SuccessfulReqs)
	assert.Equal(t, int64(1), h.FailedReqs)
	assert.Equal(t, 20*time.Millisecond, h.AverageLatency)
	assert.InDelta(t, 2.0/3.0, h.SuccessRate, 1e-9)
	assert.Equal(t, 1, h.ConsecutiveFails)
	assert.True(t, h.IsHealthy)
}

func TestEndpointUnhealthyAfterConsecutiveFailures(t *testing.T) {
	e, err := NewEndpoint("http://primary", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		e.RecordFailure()
	}
	assert.False(t, e.IsHealthy())

	e.RecordSuccess(time.Millisecond)
	assert.True(t, e.IsHealthy(), "a success resets the consecutive count")
}

func TestEndpointUnhealthyOnLowSuccessRate(t *testing.T) {
	e, err := NewEndpoint("http://primary", "")
	require.NoError(t, err)

	// alternate so consecutive failures never reach the threshold
	for i := 0; i < 12; i++ {
		if i%3 == 0 {
			e.RecordSuccess(time.Millisecond)
		} else {
			e.RecordFailure()
		}
	}
	assert.False(t, e.IsHealthy())
}

func TestEndpointFailover(t *testing.T) {
	e, err := NewEndpoint("http://primary", "http://mirror")
	require.NoError(t, err)

	assert.Equal(t, "http://primary", e.CurrentURL())
	require.NoError(t, e.Failover())
	assert.Equal(t, "http://mirror", e.CurrentURL())
	require.NoError(t, e.Failover())
	assert.Equal(t, "http://primary", e.CurrentURL())

	single, err := NewEndpoint("http://primary", "")
	require.NoError(t, err)
	assert.Error(t, single.Failover())
}
