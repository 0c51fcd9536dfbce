package model

import "time"

// SubmitRequest is the payload accepted from the submission service
type SubmitRequest struct {
	JobID           string              `json:"jobId,omitempty"`
	UserID          string              `json:"userId,omitempty"`
	ProjectID       string              `json:"projectId" validate:"required"`
	Tier            string              `json:"tier,omitempty"`
	SourceBundleURL string              `json:"sourceBundleUrl" validate:"required,url"`
	Assets          []Asset             `json:"assets" validate:"dive"`
	Composition     CompositionSettings `json:"composition"`
	Render          RenderSettings      `json:"render" validate:"required"`
}

// SubmitResponse is returned when a job has been enqueued
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Lane      string    `json:"lane"`
	CreatedAt time.Time `json:"createdAt"`
}

// CancelResponse reports the outcome of a cancellation request.
// Cancelled is false when the job is already finished or unknown;
// that is not an error.
type CancelResponse struct {
	JobID     string `json:"jobId"`
	Cancelled bool   `json:"cancelled"`
}

// StatusResponse is the job record view returned by the status endpoint
type StatusResponse struct {
	JobID        string     `json:"jobId"`
	Status       JobStatus  `json:"status"`
	Stage        Stage      `json:"stage"`
	Progress     int        `json:"progress"`
	CurrentFrame int        `json:"currentFrame"`
	TotalFrames  int        `json:"totalFrames"`
	Error        *string    `json:"error,omitempty"`
	ErrorType    string     `json:"errorType,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	RetryCount   int        `json:"retryCount"`
}

// LaneStats holds per-lane queue counters for operational visibility
type LaneStats struct {
	Lane      string `json:"lane"`
	Tier      Tier   `json:"tier"`
	Weight    int    `json:"weight"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
}

// StatsResponse aggregates counters for every provisioned lane
type StatsResponse struct {
	Lanes []LaneStats `json:"lanes"`
}

// NotifyRequest is the internal payload for pushing a user notification
type NotifyRequest struct {
	UserID  string `json:"userId" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Title   string `json:"title" validate:"required"`
	Message string `json:"message"`
}

// CreditsRequest is the internal payload for a credits balance update
type CreditsRequest struct {
	UserID  string  `json:"userId" validate:"required"`
	Balance float64 `json:"balance"`
}
