// Package events carries status events from worker processes to the
// realtime gateway over Redis pub/sub. Delivery is at-most-once; offline
// durability is the gateway's pending-notification store, not this channel.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/frameforge/api/internal/model"
)

// Channel is the pub/sub channel for job status events.
const Channel = "frameforge:status"

// Publisher broadcasts status events to every gateway process.
type Publisher struct {
	redis *redis.Client
}

func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{redis: redisClient}
}

// Publish sends one status event. Errors are returned for logging only;
// callers never fail a job over a missed broadcast.
func (p *Publisher) Publish(ctx context.Context, ev model.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := p.redis.Publish(ctx, Channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}
