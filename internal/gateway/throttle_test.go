package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleAllowsFirstEmission(t *testing.T) {
	th := newProgressThrottle(500 * time.Millisecond)
	assert.True(t, th.allow("job-1"))
}

func TestThrottleSuppressesWithinWindow(t *testing.T) {
	clock := time.Unix(1000, 0)
	th := newProgressThrottle(500 * time.Millisecond)
	th.now = func() time.Time { return clock }

	assert.True(t, th.allow("job-1"))

	clock = clock.Add(499 * time.Millisecond)
	assert.False(t, th.allow("job-1"))

	clock = clock.Add(1 * time.Millisecond)
	assert.True(t, th.allow("job-1"))
}

func TestThrottlePerJobIndependence(t *testing.T) {
	clock := time.Unix(1000, 0)
	th := newProgressThrottle(500 * time.Millisecond)
	th.now = func() time.Time { return clock }

	assert.True(t, th.allow("job-1"))
	// A different job is not affected by job-1's window.
	assert.True(t, th.allow("job-2"))
	assert.False(t, th.allow("job-1"))
}

func TestThrottleForgetResetsWindow(t *testing.T) {
	clock := time.Unix(1000, 0)
	th := newProgressThrottle(500 * time.Millisecond)
	th.now = func() time.Time { return clock }

	assert.True(t, th.allow("job-1"))
	th.forget("job-1")
	assert.True(t, th.allow("job-1"))
}
