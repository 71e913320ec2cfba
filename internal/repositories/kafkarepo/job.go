package kafkarepo

import (
	"context"
	"encoding/json"
	"fmt"

	"realtime-wallet/internal/models"

	"github.com/segmentio/kafka-go"
)

type JobProducer struct {
	writer *kafka.Writer
}

func NewJobProducer(writer *kafka.Writer) *JobProducer {
	return &JobProducer{
		writer: writer,
	}
}

// Enqueue sends a balance mutation job to Kafka
func (r *JobProducer) Enqueue(ctx context.Context, job models.Job) error {
	msgBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal kafka message: %w", err)
	}

	// Use userID as key to guarantee processing order for jobs of the same user
	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.UserID),
		Value: msgBytes,
	})

	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

func (r *JobProducer) Close() error {
	return r.writer.Close()
}
