package broker

import (
	"fmt"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/frameforge/api/internal/model"
)

// Lane is a named, priority-ordered queue of job submissions for one
// service tier. Weight is fixed at provisioning time; lower weights are
// serviced first, ties broken FIFO by the queue itself.
type Lane struct {
	Name   string
	Tier   model.Tier
	Weight int
}

const maxWeight = 10

// laneTable is the fixed tier→lane mapping.
var laneTable = []Lane{
	{Name: "render:free", Tier: model.TierFree, Weight: 10},
	{Name: "render:pro", Tier: model.TierPro, Weight: 5},
	{Name: "render:enterprise", Tier: model.TierEnterprise, Weight: 1},
}

// queuePriority converts a lane weight into an asynq queue priority.
// asynq treats higher numbers as higher priority; lane weights order the
// other way around.
func (l Lane) queuePriority() int {
	return maxWeight - l.Weight + 1
}

// ErrNotProvisioned is returned when a lane operation runs before
// Provision. This is a caller error, not retryable.
var ErrNotProvisioned = fmt.Errorf("lanes not provisioned")

// Registry owns the provisioned lane set for one process. It replaces
// module-level lane state so tests can construct and reset it explicitly.
type Registry struct {
	mu          sync.Mutex
	lanes       map[model.Tier]Lane
	provisioned bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Provision initializes the lane set. Calling it again is a no-op and
// returns the same lanes.
func (r *Registry) Provision() []Lane {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.provisioned {
		r.lanes = make(map[model.Tier]Lane, len(laneTable))
		for _, lane := range laneTable {
			r.lanes[lane.Tier] = lane
		}
		r.provisioned = true
	}
	return laneTable
}

// Provisioned reports whether Provision has run.
func (r *Registry) Provisioned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provisioned
}

// LaneFor resolves a tier to its lane. Unknown tiers fall back to the
// free lane (lowest priority).
func (r *Registry) LaneFor(tier model.Tier) (Lane, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.provisioned {
		return Lane{}, ErrNotProvisioned
	}
	if lane, ok := r.lanes[tier]; ok {
		return lane, nil
	}
	return r.lanes[model.TierFree], nil
}

// Lanes returns the provisioned lane set in table order.
func (r *Registry) Lanes() []Lane {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.provisioned {
		return nil
	}
	return laneTable
}

// QueueConfig returns the asynq queue→priority map for the worker server.
func (r *Registry) QueueConfig() map[string]int {
	queues := make(map[string]int, len(laneTable))
	for _, lane := range laneTable {
		queues[lane.Name] = lane.queuePriority()
	}
	return queues
}

// WorkerConfig builds the asynq server configuration for draining the
// lanes. StrictPriority means a lane is only serviced once every lane
// with a lower weight is empty, instead of weighted round-robin.
func (r *Registry) WorkerConfig(concurrency int, logLevel asynq.LogLevel) asynq.Config {
	return asynq.Config{
		Concurrency:    concurrency,
		Queues:         r.QueueConfig(),
		StrictPriority: true,
		LogLevel:       logLevel,
	}
}

// Reset tears down the lane set. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes = nil
	r.provisioned = false
}
