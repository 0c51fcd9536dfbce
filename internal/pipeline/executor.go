// Package pipeline executes render jobs dequeued from their lanes. Each
// run walks a fixed forward path of stages under a wall-clock timeout
// with cooperative cancellation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/frameforge/api/internal/client"
	"github.com/frameforge/api/internal/model"
	"github.com/frameforge/api/internal/progress"
)

// jobStore is the job-record persistence the executor needs.
type jobStore interface {
	MarkRunning(ctx context.Context, jobID string) error
	SetStage(ctx context.Context, jobID string, stage model.Stage) error
	UpdateProgress(ctx context.Context, jobID string, frame, total, percentage int) error
	Complete(ctx context.Context, jobID string, out model.RenderOutput) error
	Fail(ctx context.Context, jobID, errType, errMsg string) error
}

// statusPublisher fans status events out to the realtime gateway.
type statusPublisher interface {
	Publish(ctx context.Context, ev model.StatusEvent) error
}

// bundleFetcher downloads one URL to a local path.
type bundleFetcher interface {
	Download(ctx context.Context, url, destPath string) error
}

// jobRun is the mutable execution state of one job while active. It is
// owned by a single worker slot and discarded on the terminal outcome.
type jobRun struct {
	sub          *model.JobSubmission
	stage        model.Stage
	currentFrame int
	totalFrames  int
	startedAt    time.Time
	dir          string
}

// observeFrame keeps the frame count monotonically non-decreasing.
func (r *jobRun) observeFrame(frame int) {
	if frame > r.currentFrame {
		r.currentFrame = frame
	}
}

// Executor drives render jobs through the stage state machine.
type Executor struct {
	jobs      jobStore
	fetcher   bundleFetcher
	renderer  client.Renderer
	storage   client.StorageClient
	publisher statusPublisher
	validate  *validator.Validate
	timeout   time.Duration
	workDir   string

	active atomic.Int64
}

func NewExecutor(
	jobs jobStore,
	fetcher bundleFetcher,
	renderer client.Renderer,
	storage client.StorageClient,
	publisher statusPublisher,
	validate *validator.Validate,
	timeout time.Duration,
	workDir string,
) *Executor {
	return &Executor{
		jobs:      jobs,
		fetcher:   fetcher,
		renderer:  renderer,
		storage:   storage,
		publisher: publisher,
		validate:  validate,
		timeout:   timeout,
		workDir:   workDir,
	}
}

// ActiveJobs returns the number of runs currently executing in this
// process, for the readiness surface.
func (e *Executor) ActiveJobs() int64 {
	return e.active.Load()
}

// ProcessTask handles one dequeued render job.
func (e *Executor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var sub model.JobSubmission
	if err := json.Unmarshal(t.Payload(), &sub); err != nil {
		log.Printf("Rejecting malformed job payload: %v", err)
		return fmt.Errorf("malformed job payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := e.validate.Struct(&sub); err != nil {
		// Malformed submissions never reach pipeline logic and are not
		// rescheduled.
		log.Printf("Rejecting invalid job payload for %s: %v", sub.JobID, err)
		if sub.JobID != "" {
			e.recordFailure(&sub, &StageError{
				Kind:      ErrKindBundle,
				Stage:     model.StageQueued,
				Retryable: false,
				Err:       err,
			})
		}
		return fmt.Errorf("invalid job payload: %v: %w", err, asynq.SkipRetry)
	}

	e.active.Add(1)
	defer e.active.Add(-1)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	run := &jobRun{
		sub:         &sub,
		stage:       model.StageQueued,
		totalFrames: sub.Render.TotalFrames(),
		startedAt:   time.Now(),
		dir:         filepath.Join(e.workDir, sub.JobID),
	}
	defer e.cleanupWorkDir(run)

	reporter := progress.NewReporter(sub.JobID, run.totalFrames, e.progressSink(&sub))

	log.Printf("Starting render job %s (user=%s project=%s frames=%d)",
		sub.JobID, sub.UserID, sub.ProjectID, run.totalFrames)

	if err := e.jobs.MarkRunning(runCtx, sub.JobID); err != nil {
		log.Printf("Failed to mark job %s running: %v", sub.JobID, err)
	}
	e.publish(model.StatusEvent{
		Type:      model.EventStarted,
		JobID:     sub.JobID,
		UserID:    sub.UserID,
		StartedAt: &run.startedAt,
	})

	out, serr := e.runStages(runCtx, run, reporter)
	if serr != nil {
		if cancelled(ctx, serr) {
			return e.finishCancelled(run)
		}
		// Failed runs flush the last observed frame too, so clients see
		// how far the render got before the failure.
		reporter.Finish(run.currentFrame)
		return e.failJob(run, serr)
	}

	reporter.Finish(run.currentFrame)
	e.publish(model.StatusEvent{
		Type:        model.EventCompleted,
		JobID:       sub.JobID,
		UserID:      sub.UserID,
		OutputURL:   out.OutputURL,
		FileSize:    out.FileSize,
		Duration:    out.Duration,
		CompletedAt: &out.CompletedAt,
	})
	log.Printf("Render job %s completed in %s", sub.JobID, time.Since(run.startedAt).Round(time.Millisecond))
	return nil
}

// runStages walks the forward path: fetching → preparing → bundling →
// rendering → uploading. No stage is revisited.
func (e *Executor) runStages(ctx context.Context, run *jobRun, reporter *progress.Reporter) (*model.RenderOutput, *StageError) {
	if err := e.advance(ctx, run, reporter, model.StageFetching); err != nil {
		return nil, classify(model.StageFetching, err)
	}
	if err := e.fetchInputs(ctx, run); err != nil {
		return nil, classify(model.StageFetching, err)
	}

	if err := e.advance(ctx, run, reporter, model.StagePreparing); err != nil {
		return nil, classify(model.StagePreparing, err)
	}
	if err := e.prepare(run); err != nil {
		return nil, classify(model.StagePreparing, err)
	}

	if err := e.advance(ctx, run, reporter, model.StageBundling); err != nil {
		return nil, classify(model.StageBundling, err)
	}
	manifestPath, err := e.writeManifest(run)
	if err != nil {
		return nil, classify(model.StageBundling, err)
	}

	if err := e.advance(ctx, run, reporter, model.StageRendering); err != nil {
		return nil, classify(model.StageRendering, err)
	}
	outPath, err := e.renderer.Render(ctx, client.RenderInput{
		JobID:        run.sub.JobID,
		ManifestPath: manifestPath,
		WorkDir:      run.dir,
		Format:       run.sub.Render.Format,
		Width:        run.sub.Render.Width,
		Height:       run.sub.Render.Height,
		FPS:          run.sub.Render.FPS,
		TotalFrames:  run.totalFrames,
	}, func(frame int) {
		run.observeFrame(frame)
		reporter.OnFrame(frame)
	})
	if err != nil {
		return nil, classify(model.StageRendering, err)
	}

	if err := e.advance(ctx, run, reporter, model.StageUploading); err != nil {
		return nil, classify(model.StageUploading, err)
	}
	out, err := e.uploadArtifact(ctx, run, outPath)
	if err != nil {
		return nil, classify(model.StageUploading, err)
	}

	return out, nil
}

// advance moves the run to the next stage. ctx is checked first, so the
// abort signal is observed at every stage boundary.
func (e *Executor) advance(ctx context.Context, run *jobRun, reporter *progress.Reporter, stage model.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run.stage = stage
	if err := e.jobs.SetStage(ctx, run.sub.JobID, stage); err != nil {
		log.Printf("Failed to record stage %s for job %s: %v", stage, run.sub.JobID, err)
	}
	reporter.OnStageChange(stage)
	return nil
}

// fetchInputs downloads the source bundle and every asset.
func (e *Executor) fetchInputs(ctx context.Context, run *jobRun) error {
	if err := os.MkdirAll(run.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	bundlePath := filepath.Join(run.dir, "source.bundle")
	if err := e.fetcher.Download(ctx, run.sub.SourceBundleURL, bundlePath); err != nil {
		return err
	}

	for _, asset := range run.sub.Assets {
		dest := filepath.Join(run.dir, "assets", filepath.Base(asset.Name))
		if err := e.fetcher.Download(ctx, asset.URL, dest); err != nil {
			return err
		}
	}
	return nil
}

// prepare validates that the settings describe a renderable composition.
func (e *Executor) prepare(run *jobRun) error {
	if run.totalFrames <= 0 {
		return fmt.Errorf("composition produces no frames (fps=%d duration=%.2fs)",
			run.sub.Render.FPS, run.sub.Render.DurationSeconds)
	}
	for _, asset := range run.sub.Assets {
		if filepath.Base(asset.Name) == "." || filepath.Base(asset.Name) == string(filepath.Separator) {
			return fmt.Errorf("asset has invalid name %q", asset.Name)
		}
	}
	return nil
}

// writeManifest assembles the render manifest the renderer consumes.
func (e *Executor) writeManifest(run *jobRun) (string, error) {
	manifest := map[string]interface{}{
		"jobId":       run.sub.JobID,
		"source":      filepath.Join(run.dir, "source.bundle"),
		"assetDir":    filepath.Join(run.dir, "assets"),
		"composition": run.sub.Composition,
		"render":      run.sub.Render,
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(run.dir, "manifest.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return path, nil
}

// uploadArtifact streams the rendered file to durable storage, then
// marks the record completed. If the record update fails after a
// successful upload, the artifact is deleted best-effort; that cleanup
// never overrides the original error.
func (e *Executor) uploadArtifact(ctx context.Context, run *jobRun, outPath string) (*model.RenderOutput, error) {
	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	key := fmt.Sprintf("renders/%s/%s.%s", run.sub.ProjectID, run.sub.JobID, run.sub.Render.Format)
	url, err := e.storage.Upload(ctx, key, f, contentTypeFor(run.sub.Render.Format))
	if err != nil {
		return nil, err
	}

	out := model.RenderOutput{
		OutputURL:   url,
		FileSize:    info.Size(),
		Duration:    run.sub.Render.DurationSeconds,
		CompletedAt: time.Now(),
	}

	if err := e.jobs.Complete(context.Background(), run.sub.JobID, out); err != nil {
		log.Printf("Failed to record completion for job %s, cleaning up artifact: %v", run.sub.JobID, err)
		if delErr := e.storage.Delete(context.Background(), key); delErr != nil {
			log.Printf("Artifact cleanup failed for job %s: %v", run.sub.JobID, delErr)
		}
		return nil, fmt.Errorf("failed to record completion: %w", err)
	}

	return &out, nil
}

// failJob logs and records a classified failure, then propagates it with
// the broker retry semantics fixed by the classification.
func (e *Executor) failJob(run *jobRun, serr *StageError) error {
	log.Printf("Render job %s failed: kind=%s retryable=%t: %v",
		run.sub.JobID, serr.Kind, serr.Retryable, serr.Err)
	e.recordFailure(run.sub, serr)
	return serr.taskError()
}

// recordFailure updates the job record and emits the failed event.
// Both are secondary writes: errors are logged, never propagated.
func (e *Executor) recordFailure(sub *model.JobSubmission, serr *StageError) {
	ctx := context.Background()
	if err := e.jobs.Fail(ctx, sub.JobID, string(serr.Kind), serr.Err.Error()); err != nil {
		log.Printf("Failed to record failure for job %s: %v", sub.JobID, err)
	}
	now := time.Now()
	e.publish(model.StatusEvent{
		Type:         model.EventFailed,
		JobID:        sub.JobID,
		UserID:       sub.UserID,
		ErrorMessage: serr.Err.Error(),
		ErrorType:    string(serr.Kind),
		CompletedAt:  &now,
	})
}

// finishCancelled handles a run aborted by a broker-side cancellation.
// The broker already marked the record; the run just stops and is never
// rescheduled.
func (e *Executor) finishCancelled(run *jobRun) error {
	log.Printf("Render job %s cancelled", run.sub.JobID)
	e.publish(model.StatusEvent{
		Type:   model.EventCancelled,
		JobID:  run.sub.JobID,
		UserID: run.sub.UserID,
	})
	return fmt.Errorf("job %s cancelled: %w", run.sub.JobID, asynq.SkipRetry)
}

// cancelled distinguishes an external cancel from the run's own timeout:
// the parent ctx is only cancelled by the broker signal or shutdown.
func cancelled(parent context.Context, serr *StageError) bool {
	return parent.Err() != nil && serr.Kind != ErrKindTimeout
}

// progressSink routes reporter emissions to the durable record and the
// realtime gateway.
func (e *Executor) progressSink(sub *model.JobSubmission) progress.EmitFunc {
	return func(u progress.Update) {
		ctx := context.Background()
		if err := e.jobs.UpdateProgress(ctx, u.JobID, u.CurrentFrame, u.TotalFrames, u.Percentage); err != nil {
			log.Printf("Failed to update progress for job %s: %v", u.JobID, err)
		}
		e.publish(model.StatusEvent{
			Type:         model.EventProgress,
			JobID:        u.JobID,
			UserID:       sub.UserID,
			Stage:        u.Stage,
			CurrentFrame: u.CurrentFrame,
			TotalFrames:  u.TotalFrames,
			Percentage:   u.Percentage,
			ETASeconds:   u.ETASeconds,
		})
	}
}

func (e *Executor) publish(ev model.StatusEvent) {
	if err := e.publisher.Publish(context.Background(), ev); err != nil {
		log.Printf("Failed to publish %s event for job %s: %v", ev.Type, ev.JobID, err)
	}
}

func (e *Executor) cleanupWorkDir(run *jobRun) {
	if run.dir == "" {
		return
	}
	if err := os.RemoveAll(run.dir); err != nil {
		log.Printf("Failed to clean work dir for job %s: %v", run.sub.JobID, err)
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mov":
		return "video/quicktime"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
