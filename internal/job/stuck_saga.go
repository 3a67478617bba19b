package job

import (
	"context"
	"log"
	"time"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/models"

	"github.com/google/uuid"
)

// stuckAfter is how long a transaction may sit in a non-terminal sub-state
// before the recovery sweep considers it abandoned, grounded on the
// teacher's 5-minute paying-order compensate window.
const stuckAfter = 5 * time.Minute

// StuckTransactionRepo is the subset of store.TransactionStore the recovery
// job needs.
type StuckTransactionRepo interface {
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Transaction, error)
}

// Resumer re-drives a previously stuck transaction back through the saga
// coordinator. transfer.Service satisfies this by re-running Transfer with
// the row's own idempotency key.
type Resumer interface {
	ResumeStuck(ctx context.Context, txnID uuid.UUID) error
}

// StuckSagaRecovery periodically finds transactions parked mid-saga past
// stuckAfter — most often the result of a crashed process between two saga
// steps — and resumes them, the durable-store-only crash recovery spec
// section 4.F promises. Grounded on the teacher's PayingOrderCompensateJob,
// which does the equivalent sweep for stuck orders.
type StuckSagaRecovery struct {
	repo      StuckTransactionRepo
	resumer   Resumer
	clk       clock.Clock
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewStuckSagaRecovery(repo StuckTransactionRepo, resumer Resumer, clk clock.Clock) *StuckSagaRecovery {
	return &StuckSagaRecovery{
		repo:      repo,
		resumer:   resumer,
		clk:       clk,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 50,
	}
}

func (j *StuckSagaRecovery) Start(ctx context.Context) {
	log.Println("[StuckSagaRecovery] started")
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StuckSagaRecovery] context cancelled, exiting")
			return
		case <-j.stopCh:
			log.Println("[StuckSagaRecovery] stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *StuckSagaRecovery) Stop() {
	close(j.stopCh)
}

func (j *StuckSagaRecovery) sweep(ctx context.Context) {
	cutoff := j.clk.Now().Add(-stuckAfter)
	stuck, err := j.repo.ListStuck(ctx, cutoff, j.batchSize)
	if err != nil {
		log.Printf("[StuckSagaRecovery] listing stuck transactions failed: %v", err)
		return
	}
	for _, t := range stuck {
		log.Printf("[StuckSagaRecovery] resuming transaction %s stuck at %s", t.ID, t.TransferState)
		if err := j.resumer.ResumeStuck(ctx, t.ID); err != nil {
			log.Printf("[StuckSagaRecovery] resuming %s failed: %v (kind=%s)", t.ID, err, apperr.KindOf(err))
		}
	}
}
