// Package events carries user-addressed realtime events between the
// queue worker and every running gateway instance over a Redis pub/sub
// channel, so a broadcast reaches connections held by other instances
// behind a load balancer as well as local ones.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Event is one user-addressed message. Data is the payload forwarded
// verbatim to the user's connections inside an outbound envelope of
// the given Type.
type Event struct {
	UserID string          `json:"user_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
	}
}

func (p *Publisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event to redis: %w", err)
	}

	return nil
}

type Subscriber struct {
	client  *redis.Client
	channel string
	log     *zerolog.Logger
}

func NewSubscriber(client *redis.Client, channel string, log *zerolog.Logger) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: channel,
		log:     log,
	}
}

// Run consumes the event channel until ctx is canceled, passing each
// decoded event to handle. Malformed payloads are logged and skipped.
func (s *Subscriber) Run(ctx context.Context, handle func(Event)) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Fail fast if the subscription could not be established.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	ch := pubsub.Channel()
	s.log.Info().Str("channel", s.channel).Msg("subscribed to event channel")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.log.Error().Err(err).Msg("failed to unmarshal event payload")
				continue
			}
			handle(event)
		}
	}
}
