// Package transfer wires the Idempotency Gate, Wallet Mutation Layer, Limit
// Ledger and Saga Coordinator into the concrete transfer operation of spec
// section 4.F, plus the standalone AddFunds/GetBalance/limits-query/
// idempotency-lookup operations spec section 6 exposes.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/idempotency"
	"p2pwallet/internal/limit"
	"p2pwallet/internal/models"
	"p2pwallet/internal/saga"
	"p2pwallet/internal/store"
	"p2pwallet/internal/wallet"
	"p2pwallet/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const reservationWindow = 30 * time.Minute

// TransactionRepo is the subset of store.TransactionStore the service needs
// beyond what the idempotency gate already narrows.
type TransactionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, t *models.Transaction) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	UpdateSagaProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, state models.SagaState, transferState models.TransferState, status models.TransactionStatus) error
	UpdateSagaState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state models.SagaState) error
	SetReservation(ctx context.Context, tx *gorm.DB, id uuid.UUID, amount decimal.Decimal, expiry time.Time) error
	ClearReservation(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	SetSourceBalanceBefore(ctx context.Context, tx *gorm.DB, id uuid.UUID, before decimal.Decimal) error
	SetDestinationBalanceBefore(ctx context.Context, tx *gorm.DB, id uuid.UUID, before decimal.Decimal) error
	FinalizeSuccess(ctx context.Context, tx *gorm.DB, id uuid.UUID, sourceAfter, destAfter decimal.Decimal, state models.SagaState, now time.Time) error
	FinalizeFailure(ctx context.Context, tx *gorm.DB, id uuid.UUID, transferState models.TransferState, detail models.ErrorDetail, state models.SagaState, now time.Time) error
	IncrementRetryCount(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	ResetForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

// OutboxRepo is the subset of store.OutboxStore the service needs to append
// a best-effort external notification alongside a completed transfer.
type OutboxRepo interface {
	Create(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error
}

// TxRunner is the narrowed store.TxRunner.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the transfer orchestration layer.
type Service struct {
	wallets     *wallet.Mutator
	limits      *limit.Ledger
	gate        *idempotency.Gate
	txs         TxRunner
	txRepo      TransactionRepo
	outbox      OutboxRepo
	clk         clock.Clock
	outboxTopic string
}

func New(wallets *wallet.Mutator, limits *limit.Ledger, gate *idempotency.Gate, txs TxRunner, txRepo TransactionRepo, outbox OutboxRepo, clk clock.Clock, outboxTopic string) *Service {
	return &Service{wallets: wallets, limits: limits, gate: gate, txs: txs, txRepo: txRepo, outbox: outbox, clk: clk, outboxTopic: outboxTopic}
}

// Request is the transfer request of spec section 6's POST
// /wallets/{walletId}/transfer.
type Request struct {
	CallerID            uuid.UUID
	SourceWalletID      uuid.UUID
	DestinationWalletID uuid.UUID
	Amount              decimal.Decimal
	Description         string
	IdempotencyKey      string
	ExternalReferenceID string
	Endpoint            string
}

// ResponseMetadata mirrors the metadata sub-object of spec section 6's
// transfer response.
type ResponseMetadata struct {
	TransferState       models.TransferState `json:"transferState"`
	IdempotencyKey      string               `json:"idempotencyKey"`
	ExternalReferenceID string               `json:"externalReferenceId,omitempty"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
}

// Response is the transfer response of spec section 6.
type Response struct {
	ID                  uuid.UUID                `json:"id"`
	Amount              decimal.Decimal          `json:"amount"`
	SourceWalletID      uuid.UUID                `json:"sourceWalletId"`
	DestinationWalletID uuid.UUID                `json:"destinationWalletId"`
	Description         string                   `json:"description,omitempty"`
	Status              models.TransactionStatus `json:"status"`
	CreatedAt           time.Time                `json:"createdAt"`
	Metadata            ResponseMetadata         `json:"metadata"`
}

func responseFromTransaction(t *models.Transaction) Response {
	key := ""
	if t.IdempotencyKey != nil {
		key = *t.IdempotencyKey
	}
	extRef := ""
	if t.ExternalReferenceID != nil {
		extRef = *t.ExternalReferenceID
	}
	var src, dst uuid.UUID
	if t.SourceWalletID != nil {
		src = *t.SourceWalletID
	}
	if t.DestinationWalletID != nil {
		dst = *t.DestinationWalletID
	}
	return Response{
		ID:                  t.ID,
		Amount:              t.Amount,
		SourceWalletID:      src,
		DestinationWalletID: dst,
		Description:         t.Description,
		Status:              t.Status,
		CreatedAt:           t.CreatedAt,
		Metadata: ResponseMetadata{
			TransferState:       t.TransferState,
			IdempotencyKey:      key,
			ExternalReferenceID: extRef,
			CompletedAt:         t.CompletedAt,
		},
	}
}

// Transfer executes the idempotency-gated, saga-driven transfer of spec
// sections 4.E–4.F.
func (s *Service) Transfer(ctx context.Context, req Request) (*Response, error) {
	if req.SourceWalletID == req.DestinationWalletID {
		return nil, apperr.New(apperr.KindInvalidRequest, "cannot transfer to the same wallet")
	}
	if req.Amount.Sign() <= 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "amount must be positive")
	}
	if req.Amount.Exponent() < -2 {
		return nil, apperr.New(apperr.KindInvalidRequest, "amount must have at most 2 decimal places")
	}

	payloadForKey, _ := json.Marshal(req)
	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.SynthesizeKey(payloadForKey)
	}

	if cached, ok, err := s.gate.LookupResult(ctx, key); err == nil && ok {
		var resp Response
		if json.Unmarshal(cached, &resp) == nil {
			return &resp, nil
		}
	}

	existing, err := s.gate.LookupTransaction(ctx, key)
	if err != nil {
		return nil, err
	}

	var txnID uuid.UUID
	resuming := false
	if existing != nil {
		switch existing.Status {
		case models.StatusCompleted:
			resp := responseFromTransaction(existing)
			if err := s.gate.RecordSuccess(ctx, key, resp); err != nil {
				log.Printf("[IdempotencyGate] warming result cache for key %s failed: %v", key, err)
			}
			return &resp, nil
		case models.StatusPending, models.StatusProcessing:
			return nil, idempotency.ErrConflict
		case models.StatusFailed, models.StatusCancelled:
			if !idempotency.Retryable(existing) {
				resp := responseFromTransaction(existing)
				return &resp, apperr.New(apperr.KindOf(errFromDetail(existing.ErrorDetail)), errMessage(existing.ErrorDetail))
			}
			txnID = existing.ID
			resuming = true
		}
	}

	hash := idempotency.HashRequest("POST", req.Endpoint, req.CallerID.String(), req.DestinationWalletID.String(), req.Amount.StringFixed(2), req.Description)
	if err := s.gate.CheckRequestHash(ctx, key, hash, req.Endpoint); err != nil {
		return nil, err
	}

	if err := s.limits.CheckAndProject(ctx, req.CallerID, req.Amount); err != nil {
		s.recordFailureAndFinalize(ctx, txnID, key, resuming, req, apperr.KindOf(err), err.Error())
		return nil, err
	}

	if resuming {
		if err := s.txRepo.IncrementRetryCount(ctx, nil, txnID); err != nil {
			log.Printf("[SagaCoordinator] incrementing retry count for %s failed: %v", txnID, err)
		}
		if err := s.txRepo.ResetForRetry(ctx, nil, txnID); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreError, "reset transaction for retry", err)
		}
	} else {
		txnID = uuid.New()
		extRef := req.ExternalReferenceID
		if extRef == "" {
			extRef = idgen.GenerateTransactionNo()
		}
		row := &models.Transaction{
			ID:                  txnID,
			Amount:              req.Amount,
			Kind:                models.KindTransfer,
			Status:              models.StatusPending,
			TransferState:       models.StateInitiated,
			SourceWalletID:      &req.SourceWalletID,
			DestinationWalletID: &req.DestinationWalletID,
			Description:         req.Description,
			Metadata:            models.Metadata{},
			IdempotencyKey:      &key,
			ExternalReferenceID: &extRef,
			ReservedAmount:      decimal.Zero,
		}
		if err := s.txRepo.Create(ctx, nil, row); err != nil {
			if errors.Is(err, store.ErrIdempotencyKeyExists) {
				return nil, idempotency.ErrConflict
			}
			return nil, apperr.Wrap(apperr.KindStoreError, "create transaction", err)
		}
	}

	var sourceAfter, destAfter decimal.Decimal

	steps := []saga.Step{
		{
			Name:       "validate_transfer",
			MaxRetries: 3,
			Retryable:  true,
			Execute: func(ctx context.Context) error {
				if req.SourceWalletID == req.DestinationWalletID {
					return apperr.New(apperr.KindInvalidRequest, "cannot transfer to the same wallet")
				}
				_, _, err := s.wallets.ValidateForTransfer(ctx, req.CallerID, req.SourceWalletID, req.DestinationWalletID)
				return err
			},
		},
		{
			Name:       "reserve_funds",
			MaxRetries: 2,
			Retryable:  true,
			Execute: func(ctx context.Context) error {
				return s.txRepo.SetReservation(ctx, nil, txnID, req.Amount, s.clk.Now().Add(reservationWindow))
			},
			Compensate: func(ctx context.Context) error {
				return s.txRepo.ClearReservation(ctx, nil, txnID)
			},
		},
		{
			Name:       "debit_source",
			MaxRetries: 2,
			Retryable:  true,
			Execute: func(ctx context.Context) error {
				return s.txs.WithTx(ctx, func(tx *gorm.DB) error {
					before, after, err := s.wallets.Debit(ctx, tx, req.SourceWalletID, req.Amount)
					if err != nil {
						return err
					}
					sourceAfter = after
					return s.txRepo.SetSourceBalanceBefore(ctx, tx, txnID, before)
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.txs.WithTx(ctx, func(tx *gorm.DB) error {
					_, _, err := s.wallets.Credit(ctx, tx, req.SourceWalletID, req.Amount)
					return err
				})
			},
		},
		{
			Name:       "credit_destination",
			MaxRetries: 2,
			Retryable:  true,
			Execute: func(ctx context.Context) error {
				return s.txs.WithTx(ctx, func(tx *gorm.DB) error {
					before, after, err := s.wallets.Credit(ctx, tx, req.DestinationWalletID, req.Amount)
					if err != nil {
						return err
					}
					destAfter = after
					return s.txRepo.SetDestinationBalanceBefore(ctx, tx, txnID, before)
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.txs.WithTx(ctx, func(tx *gorm.DB) error {
					_, _, err := s.wallets.Debit(ctx, tx, req.DestinationWalletID, req.Amount)
					return err
				})
			},
		},
		{
			Name:       "finalize_transfer",
			MaxRetries: 0,
			Retryable:  false,
			Execute: func(ctx context.Context) error {
				now := s.clk.Now()
				return s.txs.WithTx(ctx, func(tx *gorm.DB) error {
					state := models.SagaState{
						CurrentStep:    4,
						CompletedSteps: []string{"validate_transfer", "reserve_funds", "debit_source", "credit_destination", "finalize_transfer"},
					}
					if err := s.txRepo.FinalizeSuccess(ctx, tx, txnID, sourceAfter, destAfter, state, now); err != nil {
						return err
					}
					if err := s.limits.CommitUsage(ctx, tx, req.CallerID, req.Amount); err != nil {
						return err
					}
					payload, _ := json.Marshal(map[string]interface{}{
						"transactionId":       txnID.String(),
						"sourceWalletId":      req.SourceWalletID.String(),
						"destinationWalletId": req.DestinationWalletID.String(),
						"amount":              req.Amount.StringFixed(2),
						"completedAt":         now.Format(time.RFC3339),
					})
					msg := &models.OutboxMessage{
						MessageKey: txnID.String(),
						Topic:      s.outboxTopic,
						Payload:    string(payload),
						Status:     models.OutboxPending,
					}
					return s.outbox.Create(ctx, tx, msg)
				})
			},
		},
	}

	recorder := &progressRecorder{txRepo: s.txRepo, txnID: txnID}
	outcome := saga.New(steps, recorder).Run(ctx)

	if !outcome.Completed {
		kind := apperr.KindOf(outcome.Err)
		detail := models.ErrorDetail{
			Code:      string(kind),
			Message:   outcome.Err.Error(),
			Step:      outcome.FailedStep,
			Timestamp: s.clk.Now(),
		}
		finalState := models.StateFailed
		if outcome.Compensated {
			finalState = models.StateCompensated
		}
		if err := s.txRepo.FinalizeFailure(ctx, nil, txnID, finalState, detail, models.SagaState{}, s.clk.Now()); err != nil {
			log.Printf("[SagaCoordinator] finalizing failed transaction %s failed: %v", txnID, err)
		}
		if err := s.gate.RecordFailure(ctx, key, detail); err != nil {
			log.Printf("[IdempotencyGate] recording failure for key %s failed: %v", key, err)
		}
		return nil, outcome.Err
	}

	final, err := s.txRepo.GetByID(ctx, nil, txnID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "reload finalized transaction", err)
	}
	resp := responseFromTransaction(final)
	if err := s.gate.RecordSuccess(ctx, key, resp); err != nil {
		log.Printf("[IdempotencyGate] recording success for key %s failed: %v", key, err)
	}
	return &resp, nil
}

// ResumeStuck re-drives a transaction left mid-saga by a crashed process
// back through Transfer, keyed on its own idempotencyKey so the retryable
// branch of the idempotency gate (spec section 4.E) picks it back up under
// the same row. Used by the stuck-saga recovery job.
func (s *Service) ResumeStuck(ctx context.Context, txnID uuid.UUID) error {
	t, err := s.txRepo.GetByID(ctx, nil, txnID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "load stuck transaction", err)
	}
	if t.Status.IsTerminal() || t.IdempotencyKey == nil || t.SourceWalletID == nil || t.DestinationWalletID == nil {
		return nil
	}
	extRef := ""
	if t.ExternalReferenceID != nil {
		extRef = *t.ExternalReferenceID
	}
	owner, err := s.wallets.OwnerOf(ctx, *t.SourceWalletID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "resolve caller for stuck transaction", err)
	}
	_, err = s.Transfer(ctx, Request{
		CallerID:            owner,
		SourceWalletID:      *t.SourceWalletID,
		DestinationWalletID: *t.DestinationWalletID,
		Amount:              t.Amount,
		Description:         t.Description,
		IdempotencyKey:      *t.IdempotencyKey,
		ExternalReferenceID: extRef,
		Endpoint:            "/wallets/transfer",
	})
	return err
}

// AddFunds is spec section 6's POST /wallets/{id}/add-funds.
func (s *Service) AddFunds(ctx context.Context, walletID, owner uuid.UUID, amount decimal.Decimal, description string) (*models.Wallet, error) {
	return s.wallets.AddFunds(ctx, walletID, owner, amount, description)
}

// GetBalance is spec section 6's GET /wallets/{id}/balance.
func (s *Service) GetBalance(ctx context.Context, walletID, owner uuid.UUID, freshWindow time.Duration) (decimal.Decimal, error) {
	return s.wallets.GetBalance(ctx, walletID, owner, freshWindow)
}

// TransferLimits is spec section 6's GET /wallets/{id}/transfer-limits.
func (s *Service) TransferLimits(ctx context.Context, userID uuid.UUID) (*models.LimitLedger, error) {
	return s.limits.Get(ctx, userID)
}

// LookupByIdempotencyKey is spec section 6's GET
// /wallets/{id}/transactions/by-idempotency/{key}, ownership-checked by the
// caller (the handler layer resolves which wallet the requester owns).
func (s *Service) LookupByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return s.gate.LookupTransaction(ctx, key)
}

// recordFailureAndFinalize handles a pre-saga rejection (limit exceeded).
// Only a resumed transaction has a row at this point, and for it this writes
// the terminal FAILED row directly; for a fresh request txnID is uuid.Nil and
// nothing is written.
func (s *Service) recordFailureAndFinalize(ctx context.Context, txnID uuid.UUID, key string, resuming bool, req Request, kind apperr.Kind, message string) {
	if txnID == uuid.Nil {
		return
	}
	detail := models.ErrorDetail{Code: string(kind), Message: message, Timestamp: s.clk.Now()}
	if err := s.txRepo.FinalizeFailure(ctx, nil, txnID, models.StateFailed, detail, models.SagaState{}, s.clk.Now()); err != nil {
		log.Printf("[LimitLedger] finalizing pre-saga rejection for %s failed: %v", txnID, err)
	}
	if err := s.gate.RecordFailure(ctx, key, detail); err != nil {
		log.Printf("[IdempotencyGate] recording pre-saga failure for key %s failed: %v", key, err)
	}
}

func errFromDetail(d *models.ErrorDetail) error {
	if d == nil {
		return nil
	}
	return apperr.New(apperr.Kind(d.Code), d.Message)
}

func errMessage(d *models.ErrorDetail) string {
	if d == nil {
		return "transfer previously failed"
	}
	return d.Message
}

// progressRecorder adapts saga.ProgressRecorder to the transaction store,
// mapping step names to the sub-states of spec section 4.F's step table.
type progressRecorder struct {
	txRepo TransactionRepo
	txnID  uuid.UUID
}

func forwardStateFor(stepName string) (models.TransferState, bool) {
	switch stepName {
	case "validate_transfer":
		return models.StateValidationComplete, true
	case "reserve_funds":
		return models.StateFundsReserved, true
	case "debit_source":
		return models.StateDebitComplete, true
	case "credit_destination":
		return models.StateCreditComplete, true
	default:
		return "", false
	}
}

func (r *progressRecorder) RecordProgress(ctx context.Context, state models.SagaState, stepName string, advanced bool) error {
	if !advanced {
		return r.txRepo.UpdateSagaState(ctx, nil, r.txnID, state)
	}
	ts, ok := forwardStateFor(stepName)
	if !ok {
		// finalize_transfer already wrote the terminal row itself.
		return nil
	}
	return r.txRepo.UpdateSagaProgress(ctx, nil, r.txnID, state, ts, models.StatusProcessing)
}

func (r *progressRecorder) RecordCompensation(ctx context.Context, state models.SagaState, stepName string) error {
	return r.txRepo.UpdateSagaProgress(ctx, nil, r.txnID, state, models.StateCompensationPending, models.StatusProcessing)
}
