package job

import (
	"context"
	"errors"
	"testing"

	"p2pwallet/internal/models"
)

type fakeOutboxRepo struct {
	pending      []models.OutboxMessage
	sent         []int64
	retried      []int64
	failed       []int64
	getPendingFn func() ([]models.OutboxMessage, error)
}

func (r *fakeOutboxRepo) GetPending(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	if r.getPendingFn != nil {
		return r.getPendingFn()
	}
	return r.pending, nil
}

func (r *fakeOutboxRepo) MarkSent(ctx context.Context, id int64) error {
	r.sent = append(r.sent, id)
	return nil
}

func (r *fakeOutboxRepo) IncrementRetry(ctx context.Context, id int64) error {
	r.retried = append(r.retried, id)
	return nil
}

func (r *fakeOutboxRepo) MarkFailed(ctx context.Context, id int64) error {
	r.failed = append(r.failed, id)
	return nil
}

type fakeProducer struct {
	failFor map[string]bool
	sent    []string
}

func (p *fakeProducer) SendMessage(topic, key, value string) error {
	if p.failFor[key] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, key)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestProcessPendingMarksSuccessfulSendsSent(t *testing.T) {
	repo := &fakeOutboxRepo{pending: []models.OutboxMessage{
		{ID: 1, Topic: "transfer-events", MessageKey: "txn-1", Payload: "{}"},
	}}
	producer := &fakeProducer{failFor: map[string]bool{}}
	sender := NewOutboxSender(repo, producer)

	sender.processPending(context.Background())

	if len(repo.sent) != 1 || repo.sent[0] != 1 {
		t.Fatalf("expected message 1 marked sent, got %v", repo.sent)
	}
	if len(repo.retried) != 0 || len(repo.failed) != 0 {
		t.Fatalf("expected no retries or failures, got retried=%v failed=%v", repo.retried, repo.failed)
	}
}

func TestProcessPendingRetriesOnSendFailure(t *testing.T) {
	repo := &fakeOutboxRepo{pending: []models.OutboxMessage{
		{ID: 2, Topic: "transfer-events", MessageKey: "txn-2", Payload: "{}", RetryCount: 0},
	}}
	producer := &fakeProducer{failFor: map[string]bool{"txn-2": true}}
	sender := NewOutboxSender(repo, producer)

	sender.processPending(context.Background())

	if len(repo.retried) != 1 || repo.retried[0] != 2 {
		t.Fatalf("expected message 2 to have its retry count incremented, got %v", repo.retried)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("expected message 2 not yet dead-lettered, got %v", repo.failed)
	}
}

func TestProcessPendingDeadLettersAtMaxRetries(t *testing.T) {
	repo := &fakeOutboxRepo{pending: []models.OutboxMessage{
		{ID: 3, Topic: "transfer-events", MessageKey: "txn-3", Payload: "{}", RetryCount: outboxMaxRetries - 1},
	}}
	producer := &fakeProducer{failFor: map[string]bool{"txn-3": true}}
	sender := NewOutboxSender(repo, producer)

	sender.processPending(context.Background())

	if len(repo.failed) != 1 || repo.failed[0] != 3 {
		t.Fatalf("expected message 3 dead-lettered at max retries, got %v", repo.failed)
	}
}
