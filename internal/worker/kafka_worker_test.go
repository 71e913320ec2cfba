package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"realtime-wallet/internal/config"
	"realtime-wallet/internal/events"
	"realtime-wallet/internal/models"
	"realtime-wallet/internal/services"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

type stubLedger struct {
	result *models.ApplyResult
	err    error
}

func (s *stubLedger) Apply(ctx context.Context, userID, txType string, amount int64) (*models.ApplyResult, error) {
	return s.result, s.err
}

type capturingPublisher struct {
	published []events.Event
}

func (p *capturingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.published = append(p.published, event)
	return nil
}

type stubSession struct {
	marked []int64
}

func (s *stubSession) Claims() map[string][]int32 { return nil }
func (s *stubSession) MemberID() string           { return "member-1" }
func (s *stubSession) GenerationID() int32        { return 1 }
func (s *stubSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *stubSession) Commit() {}
func (s *stubSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.marked = append(s.marked, msg.Offset)
}
func (s *stubSession) Context() context.Context { return context.Background() }

type stubClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "balance-jobs" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumer_handleJob(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name       string
		ledger     *stubLedger
		job        models.Job
		wantEvents []string
	}{
		{
			name: "successful apply publishes balance and transaction",
			ledger: &stubLedger{
				result: &models.ApplyResult{
					NewBalance: 150,
					Transaction: models.Transaction{
						ID:        "tx-1",
						UserID:    "u1",
						Type:      models.TypeDeposit,
						Amount:    50,
						Status:    models.StatusCompleted,
						CreatedAt: now,
					},
				},
			},
			job: models.Job{
				UserID:    "u1",
				Type:      models.TypeDeposit,
				Amount:    50,
				Timestamp: now,
			},
			wantEvents: []string{models.MessageBalance, models.MessageTransaction},
		},
		{
			name:   "insufficient funds publishes a failure notification",
			ledger: &stubLedger{err: services.ErrInsufficientFunds},
			job: models.Job{
				UserID:    "u1",
				Type:      models.TypeWithdrawal,
				Amount:    50,
				Timestamp: now,
			},
			wantEvents: []string{models.MessageNotification},
		},
		{
			name:   "unknown account publishes a failure notification",
			ledger: &stubLedger{err: services.ErrAccountNotFound},
			job: models.Job{
				UserID:    "ghost",
				Type:      models.TypeDeposit,
				Amount:    10,
				Timestamp: now,
			},
			wantEvents: []string{models.MessageNotification},
		},
		{
			name:   "infrastructure error publishes nothing",
			ledger: &stubLedger{err: context.DeadlineExceeded},
			job: models.Job{
				UserID:    "u1",
				Type:      models.TypeDeposit,
				Amount:    10,
				Timestamp: now,
			},
			wantEvents: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &capturingPublisher{}
			log := zerolog.Nop()
			c := NewConsumer(&config.Config{}, tt.ledger, pub, &log)

			c.handleJob(context.Background(), 0, tt.job)

			if len(pub.published) != len(tt.wantEvents) {
				t.Fatalf("expected %d events, got %d", len(tt.wantEvents), len(pub.published))
			}
			for i, wantType := range tt.wantEvents {
				got := pub.published[i]
				if got.Type != wantType {
					t.Errorf("event %d: expected type %q, got %q", i, wantType, got.Type)
				}
				if got.UserID != tt.job.UserID {
					t.Errorf("event %d: expected user %q, got %q", i, tt.job.UserID, got.UserID)
				}
			}
		})
	}
}

// Every message must be marked so the committed offset advances past
// it, malformed payloads included. Otherwise a restart either replays
// jobs forever or, with a head-of-log reset, drops them entirely.
func TestConsumer_ConsumeClaimMarksOffsets(t *testing.T) {
	job, err := json.Marshal(models.Job{
		UserID:    "u1",
		Type:      models.TypeDeposit,
		Amount:    50,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	claim := &stubClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Value: job, Offset: 7}
	claim.messages <- &sarama.ConsumerMessage{Value: []byte("not json"), Offset: 8}
	close(claim.messages)

	session := &stubSession{}
	pub := &capturingPublisher{}
	log := zerolog.Nop()
	c := NewConsumer(&config.Config{}, &stubLedger{result: &models.ApplyResult{NewBalance: 50}}, pub, &log)

	if err := c.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim returned error: %v", err)
	}

	if len(session.marked) != 2 || session.marked[0] != 7 || session.marked[1] != 8 {
		t.Fatalf("expected offsets [7 8] marked, got %v", session.marked)
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected balance and transaction events for the valid job, got %d", len(pub.published))
	}
}
