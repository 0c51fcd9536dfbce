package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/frameforge/api/internal/model"
)

// ErrJobNotFound is returned when no record exists for a job id.
var ErrJobNotFound = errors.New("job not found")

// jobRetention controls how long finished job records stay readable.
const jobRetention = 24 * time.Hour

// JobService owns the durable job record in Redis. The broker creates
// records, workers advance them, handlers read them.
type JobService struct {
	redis *redis.Client
}

func NewJobService(redisClient *redis.Client) *JobService {
	return &JobService{redis: redisClient}
}

// Create stores a fresh job record.
func (s *JobService) Create(ctx context.Context, job *model.Job) error {
	return s.saveJob(ctx, job)
}

// Get returns the job record, or ErrJobNotFound.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, jobID)
}

// MarkRunning transitions a queued job to running and stamps StartedAt.
// Re-invocations (asynq retries) keep the original start time.
func (s *JobService) MarkRunning(ctx context.Context, jobID string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusRunning
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	} else {
		job.RetryCount++
	}

	return s.saveJob(ctx, job)
}

// SetStage records a stage transition.
func (s *JobService) SetStage(ctx context.Context, jobID string, stage model.Stage) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Stage = stage
	return s.saveJob(ctx, job)
}

// UpdateProgress records throttled frame progress (called by worker).
func (s *JobService) UpdateProgress(ctx context.Context, jobID string, frame, total, percentage int) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	// Frame counts never go backwards within one run.
	if frame < job.CurrentFrame {
		return nil
	}
	job.CurrentFrame = frame
	job.TotalFrames = total
	job.Progress = percentage

	return s.saveJob(ctx, job)
}

// Complete marks the job completed with its output artifact.
func (s *JobService) Complete(ctx context.Context, jobID string, out model.RenderOutput) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.Output = &out
	now := time.Now()
	job.CompletedAt = &now

	return s.saveJob(ctx, job)
}

// Fail marks the job failed with its error classification.
func (s *JobService) Fail(ctx context.Context, jobID, errType, errMsg string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusFailed
	job.Error = &errMsg
	job.ErrorType = errType
	now := time.Now()
	job.CompletedAt = &now

	return s.saveJob(ctx, job)
}

// MarkCancelled marks a waiting job cancelled.
func (s *JobService) MarkCancelled(ctx context.Context, jobID string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	job.Status = model.JobStatusCancelled
	now := time.Now()
	job.CompletedAt = &now

	return s.saveJob(ctx, job)
}

// FailForCancellation marks an executing job failed at the broker level.
// The run itself keeps going until the executor observes its abort signal.
func (s *JobService) FailForCancellation(ctx context.Context, jobID string) error {
	return s.Fail(ctx, jobID, "cancelled", "cancellation requested")
}

func (s *JobService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobRetention).Err()
}

func (s *JobService) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}
