package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"realtime-wallet/internal/events"
	"realtime-wallet/internal/models"
	"realtime-wallet/internal/services"

	"github.com/IBM/sarama"
)

// ConsumeClaim processes one partition's claim. Every message is marked
// once handled, failures included: a job that cannot apply has already
// resolved into a notification, so replaying it would only repeat the
// rejection.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	partition := int(claim.Partition())
	for msg := range claim.Messages() {
		var job models.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			c.log.Error().Err(err).Int("partition", partition).Msg("failed to unmarshal job")
			session.MarkMessage(msg, "")
			continue
		}
		c.handleJob(session.Context(), partition, job)
		session.MarkMessage(msg, "")
	}
	return nil
}

// handleJob applies one job and surfaces the outcome to the user's
// realtime connections. A business-rule failure leaves the ledger
// untouched and becomes a notification event so the HTTP caller's
// "pending" acknowledgment is eventually resolved either way.
func (c *Consumer) handleJob(ctx context.Context, partition int, job models.Job) {
	result, err := c.ledger.Apply(ctx, job.UserID, job.Type, job.Amount)
	if err != nil {
		c.log.Error().Err(err).
			Int("partition", partition).
			Str("userId", job.UserID).
			Str("type", job.Type).
			Int64("amount", job.Amount).
			Msg("failed to apply job")

		if isBusinessError(err) {
			c.notifyFailure(ctx, job, err)
		}
		return
	}

	c.publishState(ctx, job.UserID, result)
}

func isBusinessError(err error) bool {
	return errors.Is(err, services.ErrInsufficientFunds) ||
		errors.Is(err, services.ErrAccountNotFound) ||
		errors.Is(err, services.ErrUnknownType)
}

func (c *Consumer) publishState(ctx context.Context, userID string, result *models.ApplyResult) {
	balanceData, err := json.Marshal(models.BalanceState{Balance: result.NewBalance})
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal balance payload")
		return
	}
	if err := c.publisher.Publish(ctx, events.Event{
		UserID: userID,
		Type:   models.MessageBalance,
		Data:   balanceData,
	}); err != nil {
		c.log.Error().Err(err).Str("userId", userID).Msg("failed to publish balance event")
	}

	txData, err := json.Marshal(result.Transaction)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal transaction payload")
		return
	}
	if err := c.publisher.Publish(ctx, events.Event{
		UserID: userID,
		Type:   models.MessageTransaction,
		Data:   txData,
	}); err != nil {
		c.log.Error().Err(err).Str("userId", userID).Msg("failed to publish transaction event")
	}
}

func (c *Consumer) notifyFailure(ctx context.Context, job models.Job, applyErr error) {
	data, err := json.Marshal(models.NotificationMessage{
		Message: fmt.Sprintf("%s of %d failed: %v", job.Type, job.Amount, applyErr),
	})
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal notification payload")
		return
	}

	if err := c.publisher.Publish(ctx, events.Event{
		UserID: job.UserID,
		Type:   models.MessageNotification,
		Data:   data,
	}); err != nil {
		c.log.Error().Err(err).Str("userId", job.UserID).Msg("failed to publish failure notification")
	}
}
