package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameforge/api/internal/model"
)

// fakeClock lets tests control the reporter's notion of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReporter(totalFrames int, clock *fakeClock, emit EmitFunc) *Reporter {
	r := NewReporter("job-1", totalFrames, emit)
	r.now = clock.now
	r.startedAt = clock.now()
	return r
}

func TestOnFrameStrideAndInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var got []Update
	r := newTestReporter(150, clock, func(u Update) { got = append(got, u) })

	// Frames arrive far faster than the interval allows.
	for frame := 0; frame <= 150; frame++ {
		clock.advance(100 * time.Millisecond)
		r.OnFrame(frame)
	}

	require.NotEmpty(t, got)
	for _, u := range got {
		assert.Zero(t, u.CurrentFrame%5, "frame %d not on stride", u.CurrentFrame)
		assert.False(t, u.Final)
	}

	// 100ms per frame means an emission at most every 20 frames.
	prev := got[0]
	for _, u := range got[1:] {
		assert.Greater(t, u.CurrentFrame, prev.CurrentFrame)
		prev = u
	}
	assert.LessOrEqual(t, len(got), 9)
}

func TestOnFrameIgnoresDuplicatesAndRegressions(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var got []Update
	r := newTestReporter(100, clock, func(u Update) { got = append(got, u) })

	clock.advance(3 * time.Second)
	r.OnFrame(50)
	clock.advance(3 * time.Second)
	r.OnFrame(50)
	clock.advance(3 * time.Second)
	r.OnFrame(45)

	require.Len(t, got, 1)
	assert.Equal(t, 50, got[0].CurrentFrame)
}

func TestOnStageChangeBypassesThrottle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var got []Update
	r := newTestReporter(100, clock, func(u Update) { got = append(got, u) })

	// Back-to-back stage changes with no time passing all emit.
	r.OnStageChange(model.StageFetching)
	r.OnStageChange(model.StagePreparing)
	r.OnStageChange(model.StageBundling)

	require.Len(t, got, 3)
	assert.Equal(t, model.StageFetching, got[0].Stage)
	assert.Equal(t, model.StageBundling, got[2].Stage)
}

func TestFinishForcesEmission(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var got []Update
	r := newTestReporter(100, clock, func(u Update) { got = append(got, u) })

	clock.advance(3 * time.Second)
	r.OnFrame(95)
	// No time passes; a plain frame report would be suppressed.
	r.Finish(100)

	require.Len(t, got, 2)
	final := got[1]
	assert.True(t, final.Final)
	assert.Equal(t, 100, final.CurrentFrame)
	assert.Equal(t, 100, final.Percentage)
}

func TestFinishClampsRegressingFrame(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var got []Update
	r := newTestReporter(100, clock, func(u Update) { got = append(got, u) })

	clock.advance(3 * time.Second)
	r.OnFrame(90)
	r.Finish(80)

	final := got[len(got)-1]
	assert.Equal(t, 90, final.CurrentFrame)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0, Percentage(0, 100))
	assert.Equal(t, 50, Percentage(50, 100))
	assert.Equal(t, 33, Percentage(1, 3))
	assert.Equal(t, 100, Percentage(100, 100))
	assert.Equal(t, 100, Percentage(150, 100))
	assert.Equal(t, 0, Percentage(-5, 100))
	// Zero or unknown totals never divide.
	assert.Equal(t, 0, Percentage(50, 0))
	assert.Equal(t, 0, Percentage(50, -1))
}

func TestETAFromObservedRate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var got []Update
	r := newTestReporter(100, clock, func(u Update) { got = append(got, u) })

	// 50 frames in 10 seconds → 5 fps → 10 seconds remaining.
	clock.advance(10 * time.Second)
	r.OnFrame(50)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].ETASeconds)
	assert.Equal(t, 10, *got[0].ETASeconds)
}

func TestETAAbsentAtBoundaries(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var got []Update
	r := newTestReporter(100, clock, func(u Update) { got = append(got, u) })

	clock.advance(3 * time.Second)
	r.Finish(100)

	require.Len(t, got, 1)
	assert.Nil(t, got[0].ETASeconds)
}
