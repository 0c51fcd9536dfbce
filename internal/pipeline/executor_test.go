package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameforge/api/internal/client"
	"github.com/frameforge/api/internal/model"
)

type recordingStore struct {
	mu          sync.Mutex
	running     []string
	stages      []model.Stage
	completed   []model.RenderOutput
	failures    []string // errType values
	completeErr error
}

func (s *recordingStore) MarkRunning(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = append(s.running, jobID)
	return nil
}

func (s *recordingStore) SetStage(ctx context.Context, jobID string, stage model.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
	return nil
}

func (s *recordingStore) UpdateProgress(ctx context.Context, jobID string, frame, total, percentage int) error {
	return nil
}

func (s *recordingStore) Complete(ctx context.Context, jobID string, out model.RenderOutput) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, out)
	return nil
}

func (s *recordingStore) Fail(ctx context.Context, jobID, errType, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errType)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) lastProgress() (model.StatusEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == model.EventProgress {
			return p.events[i], true
		}
	}
	return model.StatusEvent{}, false
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeFetcher struct {
	err   error
	calls []string
}

func (f *fakeFetcher) Download(ctx context.Context, url, destPath string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, url)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("bundle"), 0o644)
}

type fakeRenderer struct {
	err    error
	frames int
	block  bool // wait for ctx cancellation instead of rendering
}

func (r *fakeRenderer) Render(ctx context.Context, in client.RenderInput, onFrame func(frame int)) (string, error) {
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	for frame := 0; frame <= r.frames; frame++ {
		onFrame(frame)
	}
	if r.err != nil {
		return "", r.err
	}
	path := in.OutputPath()
	if err := os.WriteFile(path, []byte("artifact"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeStorage struct {
	uploadErr error
	uploads   []string
	deletes   []string
}

func (s *fakeStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	s.uploads = append(s.uploads, key)
	return "https://cdn.example.com/" + key, nil
}

func (s *fakeStorage) Delete(ctx context.Context, key string) error {
	s.deletes = append(s.deletes, key)
	return nil
}

func (s *fakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

func (s *fakeStorage) GetPublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func testSubmission() *model.JobSubmission {
	return &model.JobSubmission{
		JobID:           "job-1",
		UserID:          "user-1",
		ProjectID:       "project-1",
		SourceBundleURL: "https://bundles.example.com/p1.tar.gz",
		Render: model.RenderSettings{
			Format:          "mp4",
			Width:           1280,
			Height:          720,
			FPS:             30,
			DurationSeconds: 2,
		},
	}
}

func renderTask(t *testing.T, sub *model.JobSubmission) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(sub)
	require.NoError(t, err)
	return asynq.NewTask("render:process", payload)
}

func newTestExecutor(t *testing.T, store *recordingStore, renderer client.Renderer, storage *fakeStorage, pub *recordingPublisher) *Executor {
	t.Helper()
	return NewExecutor(
		store,
		&fakeFetcher{},
		renderer,
		storage,
		pub,
		validator.New(),
		time.Minute,
		t.TempDir(),
	)
}

func TestProcessTaskSuccess(t *testing.T) {
	store := &recordingStore{}
	storage := &fakeStorage{}
	pub := &recordingPublisher{}
	exec := newTestExecutor(t, store, &fakeRenderer{frames: 60}, storage, pub)

	err := exec.ProcessTask(context.Background(), renderTask(t, testSubmission()))
	require.NoError(t, err)

	// Stages advance strictly forward.
	assert.Equal(t, []model.Stage{
		model.StageFetching,
		model.StagePreparing,
		model.StageBundling,
		model.StageRendering,
		model.StageUploading,
	}, store.stages)

	assert.Equal(t, []string{"job-1"}, store.running)
	require.Len(t, store.completed, 1)
	assert.Equal(t, "https://cdn.example.com/renders/project-1/job-1.mp4", store.completed[0].OutputURL)

	types := pub.types()
	assert.Equal(t, "started", types[0])
	assert.Equal(t, "completed", types[len(types)-1])
	assert.Empty(t, store.failures)
}

func TestProcessTaskMalformedPayload(t *testing.T) {
	store := &recordingStore{}
	exec := newTestExecutor(t, store, &fakeRenderer{}, &fakeStorage{}, &recordingPublisher{})

	err := exec.ProcessTask(context.Background(), asynq.NewTask("render:process", []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, store.running)
}

func TestProcessTaskInvalidSubmission(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	exec := newTestExecutor(t, store, &fakeRenderer{}, &fakeStorage{}, pub)

	sub := testSubmission()
	sub.SourceBundleURL = "not-a-url"
	err := exec.ProcessTask(context.Background(), renderTask(t, sub))

	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, store.running)
	require.Len(t, store.failures, 1)
	assert.Equal(t, string(ErrKindBundle), store.failures[0])
}

func TestProcessTaskFetchFailureIsRetryable(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	exec := NewExecutor(
		store,
		&fakeFetcher{err: errors.New("connection reset")},
		&fakeRenderer{},
		&fakeStorage{},
		pub,
		validator.New(),
		time.Minute,
		t.TempDir(),
	)

	err := exec.ProcessTask(context.Background(), renderTask(t, testSubmission()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, []string{string(ErrKindFetch)}, store.failures)
	assert.Contains(t, pub.types(), "failed")
}

func TestProcessTaskRenderFailureNotRetried(t *testing.T) {
	store := &recordingStore{}
	exec := newTestExecutor(t, store, &fakeRenderer{err: errors.New("renderer crashed")}, &fakeStorage{}, &recordingPublisher{})

	err := exec.ProcessTask(context.Background(), renderTask(t, testSubmission()))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, []string{string(ErrKindRender)}, store.failures)
}

func TestProcessTaskFailureFlushesLastFrame(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	exec := newTestExecutor(t, store, &fakeRenderer{frames: 60, err: errors.New("encoder crashed")}, &fakeStorage{}, pub)

	err := exec.ProcessTask(context.Background(), renderTask(t, testSubmission()))
	require.Error(t, err)

	// The run got to frame 60 before failing; the throttle would have
	// suppressed most of those updates, but the terminal flush must
	// carry the last observed frame.
	last, ok := pub.lastProgress()
	require.True(t, ok, "expected at least one progress event")
	assert.Equal(t, 60, last.CurrentFrame)
	assert.Contains(t, pub.types(), "failed")
}

func TestProcessTaskCompletionWriteFailureCleansArtifact(t *testing.T) {
	store := &recordingStore{completeErr: errors.New("redis down")}
	storage := &fakeStorage{}
	exec := newTestExecutor(t, store, &fakeRenderer{frames: 60}, storage, &recordingPublisher{})

	err := exec.ProcessTask(context.Background(), renderTask(t, testSubmission()))
	require.Error(t, err)

	// Upload succeeded but the record write failed: the orphaned
	// artifact is removed and the failure propagates.
	require.Len(t, storage.uploads, 1)
	assert.Equal(t, storage.uploads, storage.deletes)
}

func TestProcessTaskCancellation(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	exec := newTestExecutor(t, store, &fakeRenderer{block: true}, &fakeStorage{}, pub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := exec.ProcessTask(ctx, renderTask(t, testSubmission()))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, pub.types(), "cancelled")
	assert.NotContains(t, pub.types(), "failed")
}

func TestProcessTaskTimeout(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	exec := NewExecutor(
		store,
		&fakeFetcher{},
		&fakeRenderer{block: true},
		&fakeStorage{},
		pub,
		validator.New(),
		50*time.Millisecond,
		t.TempDir(),
	)

	err := exec.ProcessTask(context.Background(), renderTask(t, testSubmission()))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, []string{string(ErrKindTimeout)}, store.failures)
}
