package gateway

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/frameforge/api/internal/events"
	"github.com/frameforge/api/internal/model"
)

// Subscriber feeds worker-published status events into the hub, so the
// gateway delivers events regardless of which process executed the job.
type Subscriber struct {
	redis *redis.Client
	hub   *Hub
}

func NewSubscriber(redisClient *redis.Client, hub *Hub) *Subscriber {
	return &Subscriber{redis: redisClient, hub: hub}
}

// Run blocks consuming the status channel until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, events.Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev model.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("Skipping undecodable status event: %v", err)
				continue
			}
			s.hub.DispatchStatus(ev)
		}
	}
}
