// Package progress turns the renderer's per-frame callback stream into a
// bounded sequence of status reports.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/frameforge/api/internal/model"
)

const (
	// defaultStride: frame progress is only considered every N frames.
	defaultStride = 5
	// defaultMinInterval: minimum wall-clock gap between frame emissions.
	defaultMinInterval = 2 * time.Second
)

// Update is one emitted status report.
type Update struct {
	JobID        string
	Stage        model.Stage
	CurrentFrame int
	TotalFrames  int
	Percentage   int
	ETASeconds   *int
	Final        bool
}

// EmitFunc receives emitted updates. It is called synchronously from
// OnStageChange/OnFrame/Finish and must not block.
type EmitFunc func(Update)

// Reporter throttles frame-level progress for one job run. Stage
// transitions always emit; frame progress emits only on the stride, after
// the minimum interval, and for a frame beyond the last reported one.
// State is per-run and process-local.
type Reporter struct {
	jobID       string
	totalFrames int
	stride      int
	minInterval time.Duration
	emit        EmitFunc

	now func() time.Time

	mu        sync.Mutex
	stage     model.Stage
	startedAt time.Time
	lastEmit  time.Time
	lastFrame int
}

func NewReporter(jobID string, totalFrames int, emit EmitFunc) *Reporter {
	r := &Reporter{
		jobID:       jobID,
		totalFrames: totalFrames,
		stride:      defaultStride,
		minInterval: defaultMinInterval,
		emit:        emit,
		now:         time.Now,
		lastFrame:   -1,
	}
	r.startedAt = r.now()
	return r
}

// OnStageChange emits a stage transition immediately, bypassing all
// throttling. Stage changes are rare and high-value.
func (r *Reporter) OnStageChange(stage model.Stage) {
	r.mu.Lock()
	r.stage = stage
	u := r.update(maxInt(r.lastFrame, 0), false)
	r.mu.Unlock()

	r.emit(u)
}

// OnFrame reports a renderer frame callback. Duplicate or regressing
// frames are ignored, which keeps reported frame numbers monotonically
// non-decreasing for the lifetime of the run.
func (r *Reporter) OnFrame(frame int) {
	r.mu.Lock()
	if frame <= r.lastFrame {
		r.mu.Unlock()
		return
	}
	if r.stride > 1 && frame%r.stride != 0 {
		r.mu.Unlock()
		return
	}
	now := r.now()
	if now.Sub(r.lastEmit) < r.minInterval {
		r.mu.Unlock()
		return
	}

	r.lastFrame = frame
	r.lastEmit = now
	u := r.update(frame, false)
	r.mu.Unlock()

	r.emit(u)
}

// Finish force-emits the final frame of the run regardless of throttle
// state. A frame behind the last reported one is clamped forward.
func (r *Reporter) Finish(frame int) {
	r.mu.Lock()
	if frame < r.lastFrame {
		frame = r.lastFrame
	}
	r.lastFrame = frame
	r.lastEmit = r.now()
	u := r.update(frame, true)
	r.mu.Unlock()

	r.emit(u)
}

// update builds an Update for the current state. Caller holds r.mu.
func (r *Reporter) update(frame int, final bool) Update {
	return Update{
		JobID:        r.jobID,
		Stage:        r.stage,
		CurrentFrame: frame,
		TotalFrames:  r.totalFrames,
		Percentage:   Percentage(frame, r.totalFrames),
		ETASeconds:   r.eta(frame),
		Final:        final,
	}
}

// eta estimates the remaining seconds from the observed frame rate.
// Caller holds r.mu.
func (r *Reporter) eta(frame int) *int {
	if frame <= 0 || r.totalFrames <= 0 || frame >= r.totalFrames {
		return nil
	}
	elapsed := r.now().Sub(r.startedAt).Seconds()
	if elapsed <= 0 {
		return nil
	}
	rate := float64(frame) / elapsed
	eta := int(math.Round(float64(r.totalFrames-frame) / rate))
	return &eta
}

// Percentage computes round(frame/total*100) clamped to [0,100]. A zero
// total reports 0 instead of dividing by zero.
func Percentage(frame, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(frame) / float64(total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
