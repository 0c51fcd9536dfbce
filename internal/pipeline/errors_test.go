package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/frameforge/api/internal/model"
)

func TestClassifyByStage(t *testing.T) {
	cases := []struct {
		stage     model.Stage
		kind      ErrorKind
		retryable bool
	}{
		{model.StageFetching, ErrKindFetch, true},
		{model.StagePreparing, ErrKindBundle, false},
		{model.StageBundling, ErrKindBundle, false},
		{model.StageRendering, ErrKindRender, false},
		{model.StageUploading, ErrKindUpload, true},
		{model.StageQueued, ErrKindUnknown, true},
	}

	for _, tc := range cases {
		serr := classify(tc.stage, errors.New("boom"))
		assert.Equal(t, tc.kind, serr.Kind, "stage %s", tc.stage)
		assert.Equal(t, tc.retryable, serr.Retryable, "stage %s", tc.stage)
		assert.Equal(t, tc.stage, serr.Stage)
	}
}

func TestClassifyDeadlineAlwaysTimeout(t *testing.T) {
	for _, stage := range []model.Stage{model.StageFetching, model.StageRendering, model.StageUploading} {
		serr := classify(stage, context.DeadlineExceeded)
		assert.Equal(t, ErrKindTimeout, serr.Kind, "stage %s", stage)
		assert.False(t, serr.Retryable)
	}
}

func TestTaskErrorRetrySemantics(t *testing.T) {
	retryable := classify(model.StageFetching, errors.New("connection reset"))
	assert.NotErrorIs(t, retryable.taskError(), asynq.SkipRetry)

	permanent := classify(model.StageRendering, errors.New("bad composition"))
	assert.ErrorIs(t, permanent.taskError(), asynq.SkipRetry)

	timedOut := classify(model.StageRendering, context.DeadlineExceeded)
	assert.ErrorIs(t, timedOut.taskError(), asynq.SkipRetry)
}

func TestStageErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	serr := classify(model.StageUploading, cause)
	assert.ErrorIs(t, serr, cause)
}
