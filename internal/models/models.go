// Package models holds the persisted entity types of the transfer core
// (spec section 3): Wallet, Transaction, LimitLedger, and the saga-state
// schema carried on the transaction row.
//
// Wallets and transactions reference each other only by id — the source
// commits a bidirectional ownership graph, which the design notes (spec
// section 9) call out as an anti-pattern for a statically typed core.
// Lookups here are always by id, never by embedded pointer.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is the closed enum of spec section 3. Transfers require both
// wallets to carry the same currency; conversion is a non-goal.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

func (c Currency) Valid() bool {
	switch c {
	case USD, EUR, GBP:
		return true
	default:
		return false
	}
}

// Wallet is a balance-bearing account owned by a user.
type Wallet struct {
	ID        uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	OwnerID   uuid.UUID       `gorm:"type:char(36);index;not null" json:"ownerId"`
	Balance   decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"balance"`
	Currency  Currency        `gorm:"type:varchar(3);not null" json:"currency"`
	Active    bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Wallet) TableName() string { return "wallets" }

// TransactionKind enumerates the money-movement kinds of spec section 3.
type TransactionKind string

const (
	KindDeposit      TransactionKind = "DEPOSIT"
	KindWithdrawal   TransactionKind = "WITHDRAWAL"
	KindTransfer     TransactionKind = "TRANSFER"
	KindRefund       TransactionKind = "REFUND"
	KindCompensation TransactionKind = "COMPENSATION"
)

// TransactionStatus is the coarse lifecycle status of spec section 3.
type TransactionStatus string

const (
	StatusPending     TransactionStatus = "PENDING"
	StatusProcessing  TransactionStatus = "PROCESSING"
	StatusCompleted   TransactionStatus = "COMPLETED"
	StatusFailed      TransactionStatus = "FAILED"
	StatusCancelled   TransactionStatus = "CANCELLED"
	StatusCompensated TransactionStatus = "COMPENSATED"
)

// IsTerminal reports whether the status never transitions again (spec
// section 3 invariant).
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCompensated:
		return true
	default:
		return false
	}
}

// TransferState is the fine-grained saga sub-state of spec section 3, one
// value per row of the step table in spec section 4.F.
type TransferState string

const (
	StateInitiated           TransferState = "INITIATED"
	StateValidationComplete  TransferState = "VALIDATION_COMPLETE"
	StateFundsReserved       TransferState = "FUNDS_RESERVED"
	StateDebitComplete       TransferState = "DEBIT_COMPLETE"
	StateCreditComplete      TransferState = "CREDIT_COMPLETE"
	StateCompleted           TransferState = "COMPLETED"
	StateCompensationPending TransferState = "COMPENSATION_PENDING"
	StateCompensated         TransferState = "COMPENSATED"
	StateFailed              TransferState = "FAILED"
)

// Metadata is an opaque string-keyed, JSON-scalar-valued dictionary. The
// core never reads it semantically (spec section 9); it is only carried and
// persisted as a JSON blob.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("models: unsupported metadata scan source")
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// ErrorDetail records the terminal error of a failed transaction, matching
// the {message, step, timestamp} shape spec section 9 asks for on the saga
// state's lastError, but kept at the transaction level so a failed
// transaction is self-describing without decoding SagaState.
type ErrorDetail struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaStepError is the lastError shape embedded in SagaState (spec section
// 9's strict schema).
type SagaStepError struct {
	Message   string    `json:"message"`
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaState is the strict, deterministic saga-progress snapshot persisted on
// the transaction row so a crashed saga can be resumed from the durable
// store alone (spec sections 4.F and 9).
type SagaState struct {
	CurrentStep      int            `json:"currentStep"`
	CompletedSteps   []string       `json:"completedSteps"`
	CompensatedSteps []string       `json:"compensatedSteps"`
	RetryCount       int            `json:"retryCount"`
	LastError        *SagaStepError `json:"lastError,omitempty"`
}

func (s SagaState) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SagaState) Scan(value any) error {
	if value == nil {
		*s = SagaState{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("models: unsupported saga state scan source")
	}
	if len(raw) == 0 {
		*s = SagaState{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Transaction is the durable record of every money movement, transfers
// included. Terminal statuses never transition away and the sub-state
// monotonically advances until COMPLETED or the compensation path is
// entered (spec section 3 invariants).
type Transaction struct {
	ID                       uuid.UUID         `gorm:"type:char(36);primaryKey" json:"id"`
	Amount                   decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"amount"`
	Kind                     TransactionKind   `gorm:"type:varchar(16);not null" json:"kind"`
	Status                   TransactionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	TransferState            TransferState     `gorm:"type:varchar(24);not null" json:"transferState"`
	SourceWalletID           *uuid.UUID        `gorm:"type:char(36);index" json:"sourceWalletId,omitempty"`
	DestinationWalletID      *uuid.UUID        `gorm:"type:char(36);index" json:"destinationWalletId,omitempty"`
	Description              string            `gorm:"type:varchar(512)" json:"description,omitempty"`
	Metadata                 Metadata          `gorm:"type:json" json:"metadata"`
	IdempotencyKey           *string           `gorm:"type:varchar(128);uniqueIndex" json:"idempotencyKey,omitempty"`
	ExternalReferenceID      *string           `gorm:"type:varchar(128);index" json:"externalReferenceId,omitempty"`
	ParentTransactionID      *uuid.UUID        `gorm:"type:char(36);index" json:"parentTransactionId,omitempty"`
	RetryCount               int               `gorm:"not null;default:0" json:"retryCount"`
	ReservedAmount           decimal.Decimal   `gorm:"type:decimal(15,2)" json:"reservedAmount"`
	ReservationExpiry        *time.Time        `json:"reservationExpiry,omitempty"`
	SourceBalanceBefore      *decimal.Decimal  `gorm:"type:decimal(15,2)" json:"sourceBalanceBefore,omitempty"`
	SourceBalanceAfter       *decimal.Decimal  `gorm:"type:decimal(15,2)" json:"sourceBalanceAfter,omitempty"`
	DestinationBalanceBefore *decimal.Decimal  `gorm:"type:decimal(15,2)" json:"destinationBalanceBefore,omitempty"`
	DestinationBalanceAfter  *decimal.Decimal  `gorm:"type:decimal(15,2)" json:"destinationBalanceAfter,omitempty"`
	ErrorDetail              *ErrorDetail      `gorm:"type:json;serializer:json" json:"errorDetail,omitempty"`
	SagaState                SagaState         `gorm:"type:json" json:"sagaState"`
	ProcessedAt              *time.Time        `json:"processedAt,omitempty"`
	CompletedAt              *time.Time        `json:"completedAt,omitempty"`
	FailedAt                 *time.Time        `json:"failedAt,omitempty"`
	CreatedAt                time.Time         `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt                time.Time         `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Transaction) TableName() string { return "transactions" }

// LimitLedger tracks a user's rolling daily/monthly transfer usage (spec
// section 3). One row per user, enforced by a unique index on UserID.
type LimitLedger struct {
	ID               uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	UserID           uuid.UUID       `gorm:"type:char(36);uniqueIndex;not null" json:"userId"`
	DailyLimit       decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"dailyLimit"`
	MonthlyLimit     decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"monthlyLimit"`
	DailyUsed        decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"dailyUsed"`
	MonthlyUsed      decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"monthlyUsed"`
	LastDailyReset   time.Time       `gorm:"type:date;not null" json:"lastDailyReset"`
	LastMonthlyReset time.Time       `gorm:"type:date;not null" json:"lastMonthlyReset"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (LimitLedger) TableName() string { return "limit_ledgers" }

// OutboxMessage carries a best-effort external-system notification (spec
// section 1 non-goal: not exactly-once), adapted from the teacher's outbox.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"messageKey"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retryCount"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }

const (
	OutboxPending = "PENDING"
	OutboxSent    = "SENT"
	OutboxFailed  = "FAILED"
)
