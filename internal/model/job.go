package model

import (
	"encoding/json"
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a render job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Stage represents one ordered phase of pipeline execution
type Stage string

const (
	StageQueued    Stage = "queued"
	StageFetching  Stage = "fetching"
	StagePreparing Stage = "preparing"
	StageBundling  Stage = "bundling"
	StageRendering Stage = "rendering"
	StageUploading Stage = "uploading"
)

// Tier is a billing service tier; it determines which lane a job is routed to
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var ValidTiers = []Tier{TierFree, TierPro, TierEnterprise}

// Asset is one named input file referenced by a composition
type Asset struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

// CompositionSettings describe the layout rendered on top of the source bundle.
// The structure is owned by the composition editor; the core only carries it
// to the renderer.
type CompositionSettings struct {
	Layers     json.RawMessage `json:"layers,omitempty"`
	Background string          `json:"background,omitempty"`
}

// RenderSettings control the output encoding
type RenderSettings struct {
	Format          string  `json:"format" validate:"required,oneof=mp4 webm mov gif"`
	Width           int     `json:"width" validate:"required,gt=0"`
	Height          int     `json:"height" validate:"required,gt=0"`
	FPS             int     `json:"fps" validate:"required,gt=0,lte=120"`
	DurationSeconds float64 `json:"durationSeconds" validate:"required,gt=0"`
}

// TotalFrames returns the expected frame count for the configured output.
func (r RenderSettings) TotalFrames() int {
	return int(math.Round(float64(r.FPS) * r.DurationSeconds))
}

// JobSubmission is the immutable input record for one render job. It is
// created by the submission service and read-only inside the pipeline.
type JobSubmission struct {
	JobID           string              `json:"jobId" validate:"required"`
	UserID          string              `json:"userId" validate:"required"`
	ProjectID       string              `json:"projectId" validate:"required"`
	SourceBundleURL string              `json:"sourceBundleUrl" validate:"required,url"`
	Assets          []Asset             `json:"assets" validate:"dive"`
	Composition     CompositionSettings `json:"composition"`
	Render          RenderSettings      `json:"render" validate:"required"`
}

// RenderOutput describes the artifact produced by a completed job
type RenderOutput struct {
	OutputURL   string    `json:"outputUrl"`
	FileSize    int64     `json:"fileSize"`
	Duration    float64   `json:"duration"`
	CompletedAt time.Time `json:"completedAt"`
}

// Job is the durable record of a render job, stored in Redis for the
// lifetime of the retention window. Workers mutate it through JobService.
type Job struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	ProjectID    string        `json:"projectId"`
	Tier         Tier          `json:"tier"`
	Lane         string        `json:"lane"`
	Status       JobStatus     `json:"status"`
	Stage        Stage         `json:"stage"`
	Progress     int           `json:"progress"`
	CurrentFrame int           `json:"currentFrame"`
	TotalFrames  int           `json:"totalFrames"`
	Error        *string       `json:"error,omitempty"`
	ErrorType    string        `json:"errorType,omitempty"`
	Output       *RenderOutput `json:"output,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	RetryCount   int           `json:"retryCount"`
}
