package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/frameforge/api/internal/model"
)

// TaskTypeRender is the asynq task type for render jobs
const TaskTypeRender = "render:process"

// enqueuer is the subset of asynq.Client the router needs.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// taskInspector is the subset of asynq.Inspector the router needs.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// jobStore is the job-record persistence the router needs.
type jobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	MarkCancelled(ctx context.Context, jobID string) error
	FailForCancellation(ctx context.Context, jobID string) error
}

// Router maps service tiers to lanes and tracks jobs across them.
type Router struct {
	lanes     *Registry
	client    enqueuer
	inspector taskInspector
	jobs      jobStore
	maxRetry  int
	retention time.Duration
}

func NewRouter(lanes *Registry, client enqueuer, inspector taskInspector, jobs jobStore, maxRetry int) *Router {
	return &Router{
		lanes:     lanes,
		client:    client,
		inspector: inspector,
		jobs:      jobs,
		maxRetry:  maxRetry,
		retention: 24 * time.Hour,
	}
}

// Submit enqueues a job submission into the lane for the given tier and
// returns the job identifier. Fails if lanes are not provisioned.
func (r *Router) Submit(ctx context.Context, tier model.Tier, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	lane, err := r.lanes.LaneFor(tier)
	if err != nil {
		return nil, err
	}
	if lane.Tier != tier {
		log.Printf("Unknown tier %q, routing to lane %s", tier, lane.Name)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	now := time.Now()

	submission := &model.JobSubmission{
		JobID:           jobID,
		UserID:          req.UserID,
		ProjectID:       req.ProjectID,
		SourceBundleURL: req.SourceBundleURL,
		Assets:          req.Assets,
		Composition:     req.Composition,
		Render:          req.Render,
	}

	payload, err := json.Marshal(submission)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	job := &model.Job{
		ID:          jobID,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
		Tier:        lane.Tier,
		Lane:        lane.Name,
		Status:      model.JobStatusQueued,
		Stage:       model.StageQueued,
		TotalFrames: req.Render.TotalFrames(),
		CreatedAt:   now,
	}
	if err := r.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task := asynq.NewTask(TaskTypeRender, payload)
	_, err = r.client.EnqueueContext(ctx, task,
		asynq.Queue(lane.Name),
		asynq.TaskID(jobID),
		asynq.MaxRetry(r.maxRetry),
		asynq.Retention(r.retention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.SubmitResponse{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		Lane:      lane.Name,
		CreatedAt: now,
	}, nil
}

// Cancel attempts to cancel a job. A waiting job is removed outright. An
// executing job gets a cooperative-cancel signal and its record is marked
// failed; the executor observes the signal at its own checkpoints. Both
// return true. A finished or unknown job returns false — not an error.
func (r *Router) Cancel(ctx context.Context, jobID string, tier model.Tier) (bool, error) {
	lane, err := r.lanes.LaneFor(tier)
	if err != nil {
		return false, err
	}

	queue := lane.Name
	if job, err := r.jobs.Get(ctx, jobID); err == nil {
		if job.Status.Terminal() {
			return false, nil
		}
		if job.Lane != "" {
			queue = job.Lane
		}
	}

	info, err := r.inspector.GetTaskInfo(queue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect task: %w", err)
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		if err := r.inspector.DeleteTask(queue, jobID); err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) {
				// Lost the race with a worker dequeue; fall back to the
				// cooperative path.
				return r.cancelActive(ctx, jobID)
			}
			return false, fmt.Errorf("failed to delete task: %w", err)
		}
		if err := r.jobs.MarkCancelled(ctx, jobID); err != nil {
			log.Printf("Failed to mark job %s cancelled: %v", jobID, err)
		}
		return true, nil

	case asynq.TaskStateActive:
		return r.cancelActive(ctx, jobID)

	default:
		// Completed or archived
		return false, nil
	}
}

// cancelActive issues the cooperative-cancel signal for an executing job.
// The renderer keeps running until it observes the signal; in the worst
// case the hard timeout is the only checkpoint that fires.
func (r *Router) cancelActive(ctx context.Context, jobID string) (bool, error) {
	if err := r.inspector.CancelProcessing(jobID); err != nil {
		return false, fmt.Errorf("failed to signal cancellation: %w", err)
	}
	if err := r.jobs.FailForCancellation(ctx, jobID); err != nil {
		log.Printf("Failed to mark job %s for cancellation: %v", jobID, err)
	}
	return true, nil
}

// Stats returns waiting/active/completed/failed/delayed counts per lane.
func (r *Router) Stats(ctx context.Context) (*model.StatsResponse, error) {
	lanes := r.lanes.Lanes()
	if lanes == nil {
		return nil, ErrNotProvisioned
	}

	out := &model.StatsResponse{Lanes: make([]model.LaneStats, 0, len(lanes))}
	for _, lane := range lanes {
		stats := model.LaneStats{Lane: lane.Name, Tier: lane.Tier, Weight: lane.Weight}

		info, err := r.inspector.GetQueueInfo(lane.Name)
		if err != nil {
			if !errors.Is(err, asynq.ErrQueueNotFound) {
				return nil, fmt.Errorf("failed to get queue info for %s: %w", lane.Name, err)
			}
			// Queue not created yet; report zeros.
		} else {
			stats.Waiting = info.Pending
			stats.Active = info.Active
			stats.Completed = info.Completed
			stats.Failed = info.Failed
			stats.Delayed = info.Scheduled + info.Retry
		}
		out.Lanes = append(out.Lanes, stats)
	}
	return out, nil
}
