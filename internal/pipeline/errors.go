package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/frameforge/api/internal/model"
)

// ErrorKind classifies a pipeline failure. The retryable flag is fixed
// per kind at classification time.
type ErrorKind string

const (
	ErrKindFetch   ErrorKind = "fetch-error"
	ErrKindBundle  ErrorKind = "bundle-error"
	ErrKindRender  ErrorKind = "render-error"
	ErrKindUpload  ErrorKind = "upload-error"
	ErrKindTimeout ErrorKind = "timeout-error"
	ErrKindUnknown ErrorKind = "unknown-error"
)

// retryableKinds: transient I/O (fetch, upload) and unclassified failures
// are retried by the broker. Malformed bundles and renderer failures are
// deterministic on their input; a timed-out job will time out again.
var retryableKinds = map[ErrorKind]bool{
	ErrKindFetch:   true,
	ErrKindBundle:  false,
	ErrKindRender:  false,
	ErrKindUpload:  true,
	ErrKindTimeout: false,
	ErrKindUnknown: true,
}

// StageError is a classified pipeline failure.
type StageError struct {
	Kind      ErrorKind
	Stage     model.Stage
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// classify maps a stage failure into the fixed taxonomy. Deadline
// expiry always classifies as timeout regardless of stage.
func classify(stage model.Stage, err error) *StageError {
	kind := ErrKindUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	} else {
		switch stage {
		case model.StageFetching:
			kind = ErrKindFetch
		case model.StagePreparing, model.StageBundling:
			kind = ErrKindBundle
		case model.StageRendering:
			kind = ErrKindRender
		case model.StageUploading:
			kind = ErrKindUpload
		}
	}

	return &StageError{
		Kind:      kind,
		Stage:     stage,
		Retryable: retryableKinds[kind],
		Err:       err,
	}
}

// taskError converts a StageError into the error returned to asynq.
// Non-retryable failures wrap asynq.SkipRetry so the broker never
// reschedules the job; retryable ones propagate plainly and follow the
// broker's retry/backoff policy.
func (e *StageError) taskError() error {
	if e.Retryable {
		return e
	}
	return fmt.Errorf("%s: %w", e.Error(), asynq.SkipRetry)
}
