package broker

import (
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameforge/api/internal/model"
)

func TestProvisionLanes(t *testing.T) {
	r := NewRegistry()
	lanes := r.Provision()

	require.Len(t, lanes, 3)
	assert.True(t, r.Provisioned())

	byName := map[string]Lane{}
	for _, l := range lanes {
		byName[l.Name] = l
	}
	assert.Equal(t, 10, byName["render:free"].Weight)
	assert.Equal(t, 5, byName["render:pro"].Weight)
	assert.Equal(t, 1, byName["render:enterprise"].Weight)
}

func TestProvisionIdempotent(t *testing.T) {
	r := NewRegistry()
	first := r.Provision()
	second := r.Provision()

	assert.Equal(t, first, second)
}

func TestLaneForTier(t *testing.T) {
	r := NewRegistry()
	r.Provision()

	lane, err := r.LaneFor(model.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, "render:enterprise", lane.Name)

	lane, err = r.LaneFor(model.TierPro)
	require.NoError(t, err)
	assert.Equal(t, "render:pro", lane.Name)
}

func TestLaneForUnknownTierFallsBackToFree(t *testing.T) {
	r := NewRegistry()
	r.Provision()

	lane, err := r.LaneFor(model.Tier("platinum"))
	require.NoError(t, err)
	assert.Equal(t, "render:free", lane.Name)
}

func TestLaneForBeforeProvision(t *testing.T) {
	r := NewRegistry()

	_, err := r.LaneFor(model.TierFree)
	assert.ErrorIs(t, err, ErrNotProvisioned)
	assert.Nil(t, r.Lanes())
}

func TestQueueConfigPriorities(t *testing.T) {
	r := NewRegistry()
	r.Provision()

	queues := r.QueueConfig()

	// Lower lane weight must map to higher asynq priority.
	assert.Equal(t, 1, queues["render:free"])
	assert.Equal(t, 6, queues["render:pro"])
	assert.Equal(t, 10, queues["render:enterprise"])
}

func TestWorkerConfigStrictOrdering(t *testing.T) {
	r := NewRegistry()
	r.Provision()

	cfg := r.WorkerConfig(4, asynq.InfoLevel)

	// Strict ordering: the free lane waits until pro and enterprise are
	// drained, rather than sharing cycles by weight.
	assert.True(t, cfg.StrictPriority)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, r.QueueConfig(), cfg.Queues)
	assert.Equal(t, asynq.InfoLevel, cfg.LogLevel)
}

func TestReset(t *testing.T) {
	r := NewRegistry()
	r.Provision()
	r.Reset()

	assert.False(t, r.Provisioned())
	_, err := r.LaneFor(model.TierFree)
	assert.ErrorIs(t, err, ErrNotProvisioned)
}
