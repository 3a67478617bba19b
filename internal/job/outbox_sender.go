// Package job runs the transfer core's background maintenance: the outbox
// sender, stuck-saga recovery, and cache/store balance reconciliation.
// Structured the way the teacher's ticker-driven jobs are: a Start(ctx)
// loop, a Stop() channel, and a per-tick batch handler.
package job

import (
	"context"
	"log"
	"time"

	"p2pwallet/internal/infrastructure/mq"
	"p2pwallet/internal/models"
)

const outboxMaxRetries = 5

// OutboxRepo is the subset of store.OutboxStore the sender needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// OutboxSender publishes pending outbox rows to Kafka best-effort, adapted
// from the teacher's outbox sender: not exactly-once, per spec section 1's
// non-goals.
type OutboxSender struct {
	repo      OutboxRepo
	producer  mq.Producer
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewOutboxSender(repo OutboxRepo, producer mq.Producer) *OutboxSender {
	return &OutboxSender{
		repo:      repo,
		producer:  producer,
		stopCh:    make(chan struct{}),
		interval:  200 * time.Millisecond,
		batchSize: 100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] context cancelled, exiting")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] stopped")
			return
		case <-ticker.C:
			s.processPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPending(ctx context.Context) {
	messages, err := s.repo.GetPending(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] listing pending messages failed: %v", err)
		return
	}
	for _, msg := range messages {
		s.send(ctx, &msg)
	}
}

func (s *OutboxSender) send(ctx context.Context, msg *models.OutboxMessage) {
	err := s.producer.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updErr := s.repo.MarkSent(ctx, msg.ID); updErr != nil {
			log.Printf("[OutboxSender] marking message %d sent failed: %v", msg.ID, updErr)
		}
		return
	}

	log.Printf("[OutboxSender] sending message %d failed: %v", msg.ID, err)
	if incErr := s.repo.IncrementRetry(ctx, msg.ID); incErr != nil {
		log.Printf("[OutboxSender] incrementing retry count for %d failed: %v", msg.ID, incErr)
	}
	if msg.RetryCount+1 >= outboxMaxRetries {
		if failErr := s.repo.MarkFailed(ctx, msg.ID); failErr != nil {
			log.Printf("[OutboxSender] marking message %d failed failed: %v", msg.ID, failErr)
		} else {
			log.Printf("[OutboxSender] message %d exceeded max retries, dead-lettered", msg.ID)
		}
	}
}
