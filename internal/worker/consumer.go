package worker

import (
	"context"
	"errors"
	"fmt"

	"realtime-wallet/internal/config"
	"realtime-wallet/internal/events"
	"realtime-wallet/internal/models"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Ledger applies one balance mutation atomically.
type Ledger interface {
	Apply(ctx context.Context, userID, txType string, amount int64) (*models.ApplyResult, error)
}

// Publisher fans a user event out to the gateway instances.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Consumer drains the job topic through a consumer group, so a restart
// resumes from the last committed offset instead of skipping to the
// head of the log.
type Consumer struct {
	cfg       *config.Config
	ledger    Ledger
	publisher Publisher
	log       *zerolog.Logger
}

func NewConsumer(cfg *config.Config, ledger Ledger, publisher Publisher, log *zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:       cfg,
		ledger:    ledger,
		publisher: publisher,
		log:       log,
	}
}

// Start joins the consumer group and blocks until ctx is canceled.
// Sarama runs one claim per assigned partition; jobs are keyed by user
// ID on the producer side, so each user's jobs land on a single
// partition and are applied serially.
func (c *Consumer) Start(ctx context.Context) error {
	group, err := sarama.NewConsumerGroup(c.cfg.Kafka.Brokers, c.cfg.Kafka.ConsumerGroup, c.cfg.Kafka.GetSaramaConfig())
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			c.log.Error().Err(err).Msg("kafka error")
		}
	}()

	c.log.Info().
		Str("group", c.cfg.Kafka.ConsumerGroup).
		Str("topic", c.cfg.Kafka.Topic).
		Msg("starting job consumer")

	for {
		if err := group.Consume(ctx, []string{c.cfg.Kafka.Topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consumer group session failed: %w", err)
		}
		if ctx.Err() != nil {
			c.log.Info().Msg("job consumer stopped")
			return nil
		}
		// Rebalance: the loop rejoins and claims a fresh assignment.
	}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }
