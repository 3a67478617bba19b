package store

import (
	"context"
	"errors"
	"time"

	"p2pwallet/internal/models"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound  = errors.New("store: transaction not found")
	ErrIdempotencyKeyExists = errors.New("store: idempotency key already exists")
)

// nonTerminalStates lists the sub-states a stuck-saga recovery sweep should
// consider resumable (spec section 4.F: "crash-recoverable from the durable
// store alone").
var nonTerminalStates = []models.TransferState{
	models.StateInitiated,
	models.StateValidationComplete,
	models.StateFundsReserved,
	models.StateDebitComplete,
	models.StateCreditComplete,
	models.StateCompensationPending,
}

type TransactionStore struct {
	db *gorm.DB
}

func NewTransactionStore(db *gorm.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// Create inserts a new transaction row. A duplicate idempotencyKey — the
// unique index of spec section 4.A — surfaces as ErrIdempotencyKeyExists so
// concurrent-duplicate races (spec section 5) resolve to one winner.
func (s *TransactionStore) Create(ctx context.Context, tx *gorm.DB, t *models.Transaction) error {
	db := s.txOrDefault(tx)
	err := db.WithContext(ctx).Create(t).Error
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return ErrIdempotencyKeyExists
	}
	return err
}

func (s *TransactionStore) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Transaction, error) {
	db := s.txOrDefault(tx)
	var t models.Transaction
	err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetByIdempotencyKey returns nil, nil when no row matches — that is a
// legitimate "first time we've seen this key" outcome, not an error (spec
// section 4.E step 2).
func (s *TransactionStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// UpdateSagaProgress persists the deterministic saga-state snapshot after
// every step (spec section 4.F), independent of the step's ultimate
// outcome, so a crash mid-saga leaves a resumable trail.
func (s *TransactionStore) UpdateSagaProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, state models.SagaState, transferState models.TransferState, status models.TransactionStatus) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"saga_state":     state,
			"transfer_state": transferState,
			"status":         status,
		}).Error
}

// FinalizeSuccess closes out a COMPLETED transfer (spec section 4.F): both
// balance snapshots, the sub-state, the status, and completedAt in one
// statement, inside the same transaction as the finalize_transfer step and
// (per the section 9 decision) the limit-usage commit.
func (s *TransactionStore) FinalizeSuccess(ctx context.Context, tx *gorm.DB, id uuid.UUID, sourceAfter, destAfter decimal.Decimal, state models.SagaState, now time.Time) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":                    models.StatusCompleted,
			"transfer_state":            models.StateCompleted,
			"source_balance_after":      sourceAfter,
			"destination_balance_after": destAfter,
			"saga_state":                state,
			"completed_at":              now,
		}).Error
}

// FinalizeFailure closes out a FAILED or COMPENSATED transfer (spec section
// 4.F: "FAILED with sub-state COMPENSATED if any compensation ran, or FAILED
// without compensation if step 0 failed").
func (s *TransactionStore) FinalizeFailure(ctx context.Context, tx *gorm.DB, id uuid.UUID, transferState models.TransferState, detail models.ErrorDetail, state models.SagaState, now time.Time) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.StatusFailed,
			"transfer_state": transferState,
			"error_detail":   &detail,
			"saga_state":     state,
			"failed_at":      now,
		}).Error
}

// SetSourceBalanceBefore persists the debit step's snapshot (spec section
// 4.F step 2: "snapshot sourceBalanceBefore").
func (s *TransactionStore) SetSourceBalanceBefore(ctx context.Context, tx *gorm.DB, id uuid.UUID, before decimal.Decimal) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Update("source_balance_before", before).Error
}

// SetDestinationBalanceBefore persists the credit step's snapshot (spec
// section 4.F step 3: "snapshot destinationBalanceBefore").
func (s *TransactionStore) SetDestinationBalanceBefore(ctx context.Context, tx *gorm.DB, id uuid.UUID, before decimal.Decimal) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Update("destination_balance_before", before).Error
}

// UpdateSagaState persists only the saga-state JSON blob, used for
// retry-in-progress and failure snapshots where the sub-state itself has
// not yet advanced (spec section 4.F).
func (s *TransactionStore) UpdateSagaState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state models.SagaState) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Update("saga_state", state).Error
}

// SetReservation persists the reserve_funds step's advisory reservation
// (spec section 4.F step 1).
func (s *TransactionStore) SetReservation(ctx context.Context, tx *gorm.DB, id uuid.UUID, amount decimal.Decimal, expiry time.Time) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"reserved_amount":    amount,
			"reservation_expiry": expiry,
		}).Error
}

// ClearReservation is reserve_funds' compensation.
func (s *TransactionStore) ClearReservation(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"reserved_amount":    decimal.Zero,
			"reservation_expiry": nil,
		}).Error
}

// IncrementRetryCount is called by the transfer service when a transaction
// re-enters the saga through the idempotency gate's retryable branch after a
// failure (spec section 4.E).
func (s *TransactionStore) IncrementRetryCount(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// ResetForRetry rewinds a retryable FAILED/CANCELLED transaction back to
// INITIATED so the idempotency gate's "treat as new" branch (spec section
// 4.E step 2) can resubmit it through the saga under the same row, keeping
// the unique idempotencyKey intact.
func (s *TransactionStore) ResetForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             models.StatusPending,
			"transfer_state":     models.StateInitiated,
			"error_detail":       nil,
			"reserved_amount":    decimal.Zero,
			"reservation_expiry": nil,
		}).Error
}

// ListStuck finds transactions parked in a non-terminal sub-state past
// updatedBefore, the input to the stuck-saga recovery job (spec section 9
// supplemented feature 3).
func (s *TransactionStore) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("transfer_state IN ? AND updated_at < ? AND status IN ?",
			nonTerminalStates, updatedBefore, []models.TransactionStatus{models.StatusPending, models.StatusProcessing}).
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (s *TransactionStore) txOrDefault(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
