// Package wallet implements the Wallet Mutation Layer of spec section 4.C:
// the only component allowed to change a wallet's balance. Every mutation
// holds that wallet's lease for its entire read-compute-commit window and
// keeps the versioned-balance cache entry in step with the row it just
// wrote.
package wallet

import (
	"context"
	"errors"
	"log"
	"time"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/cachekv"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/config"
	"p2pwallet/internal/models"
	"p2pwallet/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repo is the subset of store.WalletStore the mutation layer needs, narrowed
// so unit tests can substitute an in-memory fake (pattern borrowed from the
// pelcom banking backend's AccountStore interface).
type Repo interface {
	Create(ctx context.Context, tx *gorm.DB, wallet *models.Wallet) error
	GetByID(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, walletID uuid.UUID) (*models.Wallet, error)
	ApplyDelta(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, delta decimal.Decimal) error
	SetBalanceAbsolute(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, balance decimal.Decimal) error
}

// Cache is the subset of cachekv.Client the mutation layer needs.
type Cache interface {
	GetVersionedBalance(ctx context.Context, walletID string) (cachekv.VersionedBalance, bool, error)
	SetVersionedBalance(ctx context.Context, walletID, balance string, version int64, ttl time.Duration) error
	CompareAndSwapVersionedBalance(ctx context.Context, walletID string, expectedVersion int64, newBalance string, newVersion int64, ttl time.Duration) (bool, error)
	InvalidateVersionedBalance(ctx context.Context, walletID string) error
}

// Lease is the narrow view of a lock.Lease this package needs to hold a
// wallet's exclusive claim for a mutation.
type Lease interface {
	Acquire(ctx context.Context, retryInterval, timeout time.Duration) error
	Release(ctx context.Context) error
}

// LeaseFactory builds a fresh Lease handle for a given wallet, so the
// package never imports the redis client directly.
type LeaseFactory interface {
	NewWalletLease(walletID string, expiration time.Duration) Lease
}

// TxRunner is the narrowed store.TxRunner.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Recorder persists the Transaction row a deposit produces. The saga
// coordinator writes transfer rows itself, so Mutator only needs Create for
// the standalone AddFunds operation.
type Recorder interface {
	Create(ctx context.Context, tx *gorm.DB, t *models.Transaction) error
}

var (
	ErrInvalidAmount    = apperr.New(apperr.KindInvalidRequest, "amount must be positive")
	ErrCurrencyRequired = apperr.New(apperr.KindInvalidRequest, "currency is required")
	ErrWalletInactive   = apperr.New(apperr.KindNotFound, "wallet is inactive")
	ErrOwnerMismatch    = apperr.New(apperr.KindNotFound, "wallet does not belong to caller")
)

// Mutator is the Wallet Mutation Layer.
type Mutator struct {
	repo    Repo
	cache   Cache
	leases  LeaseFactory
	txs     TxRunner
	records Recorder
	clk     clock.Clock
	ttl     time.Duration // versioned-balance cache TTL
	lockCfg config.LockConfig
}

func New(repo Repo, cache Cache, leases LeaseFactory, txs TxRunner, records Recorder, clk clock.Clock, ttl time.Duration, lockCfg config.LockConfig) *Mutator {
	return &Mutator{repo: repo, cache: cache, leases: leases, txs: txs, records: records, clk: clk, ttl: ttl, lockCfg: lockCfg}
}

// CreateWallet opens a zero-balance wallet for owner. The spec's literal
// signature also names a "name" parameter, but section 3's Wallet entity has
// no name field to store it in — this deviates from the literal signature
// and creates a wallet from owner and currency alone.
func (m *Mutator) CreateWallet(ctx context.Context, owner uuid.UUID, currency models.Currency) (*models.Wallet, error) {
	if !currency.Valid() {
		return nil, ErrCurrencyRequired
	}
	w := &models.Wallet{
		ID:       uuid.New(),
		OwnerID:  owner,
		Balance:  decimal.Zero,
		Currency: currency,
		Active:   true,
	}
	if err := m.repo.Create(ctx, nil, w); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "create wallet", err)
	}
	if err := m.cache.SetVersionedBalance(ctx, w.ID.String(), w.Balance.StringFixed(2), 1, m.ttl); err != nil {
		log.Printf("[WalletMutation] priming cache for new wallet %s failed: %v", w.ID, err)
	}
	return w, nil
}

// AddFunds credits owner's wallet outright, outside the saga, since it has
// no compensating counterpart to worry about (spec section 4.C).
func (m *Mutator) AddFunds(ctx context.Context, walletID, owner uuid.UUID, amount decimal.Decimal, description string) (*models.Wallet, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	lease := m.leases.NewWalletLease(walletID.String(), m.lockCfg.WriteTimeout)
	if err := lease.Acquire(ctx, 50*time.Millisecond, m.lockCfg.WriteTimeout); err != nil {
		return nil, apperr.Wrap(apperr.KindLockTimeout, "acquire wallet lease", err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			log.Printf("[WalletMutation] releasing lease for wallet %s failed: %v", walletID, err)
		}
	}()

	var before, after decimal.Decimal
	var wallet models.Wallet
	err := m.txs.WithTx(ctx, func(tx *gorm.DB) error {
		w, err := m.repo.GetForUpdate(ctx, tx, walletID)
		if err != nil {
			if errors.Is(err, store.ErrWalletNotFound) {
				return apperr.New(apperr.KindNotFound, "wallet not found")
			}
			return apperr.Wrap(apperr.KindStoreError, "load wallet", err)
		}
		if !w.Active {
			return ErrWalletInactive
		}
		if w.OwnerID != owner {
			return ErrOwnerMismatch
		}
		before = w.Balance
		if err := m.repo.ApplyDelta(ctx, tx, walletID, amount); err != nil {
			return apperr.Wrap(apperr.KindStoreError, "apply deposit", err)
		}
		after = before.Add(amount)
		wallet = *w
		wallet.Balance = after

		now := m.clk.Now()
		txRow := &models.Transaction{
			ID:                       uuid.New(),
			Amount:                   amount,
			Kind:                     models.KindDeposit,
			Status:                   models.StatusCompleted,
			TransferState:            models.StateCompleted,
			DestinationWalletID:      &walletID,
			Description:              description,
			Metadata:                 models.Metadata{},
			ReservedAmount:           decimal.Zero,
			DestinationBalanceBefore: &before,
			DestinationBalanceAfter:  &after,
			ProcessedAt:              &now,
			CompletedAt:              &now,
		}
		if err := m.records.Create(ctx, tx, txRow); err != nil {
			return apperr.Wrap(apperr.KindStoreError, "record deposit", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.bumpCacheVersion(ctx, walletID.String(), after)
	return &wallet, nil
}

// GetBalance implements the read path of spec section 4.C: serve the cache
// when it was refreshed within the freshness window, otherwise refresh it
// from the store under a short-lived read lease.
func (m *Mutator) GetBalance(ctx context.Context, walletID, owner uuid.UUID, freshWindow time.Duration) (decimal.Decimal, error) {
	if vb, ok, err := m.cache.GetVersionedBalance(ctx, walletID.String()); err == nil && ok {
		if m.clk.Now().Sub(vb.LastUpdated) < freshWindow {
			bal, parseErr := decimal.NewFromString(vb.Balance)
			if parseErr == nil {
				return bal, nil
			}
			log.Printf("[WalletMutation] cached balance for wallet %s unparsable: %v", walletID, parseErr)
		}
	} else if err != nil {
		log.Printf("[WalletMutation] cache read for wallet %s failed, falling back to store: %v", walletID, err)
	}

	lease := m.leases.NewWalletLease(walletID.String(), m.lockCfg.ReadTimeout)
	if err := lease.Acquire(ctx, 20*time.Millisecond, m.lockCfg.ReadTimeout); err != nil {
		return decimal.Decimal{}, apperr.Wrap(apperr.KindLockTimeout, "acquire read lease", err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			log.Printf("[WalletMutation] releasing read lease for wallet %s failed: %v", walletID, err)
		}
	}()

	// Double-check: another reader may have refreshed the cache while we
	// waited for the lease.
	if vb, ok, err := m.cache.GetVersionedBalance(ctx, walletID.String()); err == nil && ok {
		if m.clk.Now().Sub(vb.LastUpdated) < freshWindow {
			if bal, parseErr := decimal.NewFromString(vb.Balance); parseErr == nil {
				return bal, nil
			}
		}
	}

	w, err := m.repo.GetByID(ctx, walletID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			return decimal.Decimal{}, apperr.New(apperr.KindNotFound, "wallet not found")
		}
		return decimal.Decimal{}, apperr.Wrap(apperr.KindStoreError, "load wallet", err)
	}
	if w.OwnerID != owner {
		return decimal.Decimal{}, ErrOwnerMismatch
	}

	m.bumpCacheVersion(ctx, walletID.String(), w.Balance)
	return w.Balance, nil
}

// Debit applies a negative delta to source under an already-open
// transaction, acquiring source's lease itself. It is the saga's
// debit_source step and, run with a positive amount, its own compensation
// for a credit step (spec section 4.F).
func (m *Mutator) Debit(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, amount decimal.Decimal) (before, after decimal.Decimal, err error) {
	return m.applyLocked(ctx, tx, walletID, amount.Neg())
}

// Credit applies a positive delta to destination under an already-open
// transaction, acquiring destination's lease itself. It is the saga's
// credit_destination step and, run with a negative counterpart via Debit,
// its own compensation for a debit step (spec section 4.F).
func (m *Mutator) Credit(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, amount decimal.Decimal) (before, after decimal.Decimal, err error) {
	return m.applyLocked(ctx, tx, walletID, amount)
}

func (m *Mutator) applyLocked(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, delta decimal.Decimal) (before, after decimal.Decimal, err error) {
	lease := m.leases.NewWalletLease(walletID.String(), m.lockCfg.WriteTimeout)
	if err := lease.Acquire(ctx, 50*time.Millisecond, m.lockCfg.WriteTimeout); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, apperr.Wrap(apperr.KindLockTimeout, "acquire wallet lease", err)
	}
	defer func() {
		if relErr := lease.Release(ctx); relErr != nil {
			log.Printf("[WalletMutation] releasing lease for wallet %s failed: %v", walletID, relErr)
		}
	}()

	w, getErr := m.repo.GetForUpdate(ctx, tx, walletID)
	if getErr != nil {
		if errors.Is(getErr, store.ErrWalletNotFound) {
			return decimal.Decimal{}, decimal.Decimal{}, apperr.New(apperr.KindNotFound, "wallet not found")
		}
		return decimal.Decimal{}, decimal.Decimal{}, apperr.Wrap(apperr.KindStoreError, "load wallet", getErr)
	}
	if !w.Active {
		return decimal.Decimal{}, decimal.Decimal{}, ErrWalletInactive
	}
	before = w.Balance
	if applyErr := m.repo.ApplyDelta(ctx, tx, walletID, delta); applyErr != nil {
		if errors.Is(applyErr, store.ErrInsufficientBalance) {
			return decimal.Decimal{}, decimal.Decimal{}, apperr.New(apperr.KindInsufficientFunds, "insufficient balance")
		}
		return decimal.Decimal{}, decimal.Decimal{}, apperr.Wrap(apperr.KindStoreError, "apply delta", applyErr)
	}
	after = before.Add(delta)

	m.bumpCacheVersion(ctx, walletID.String(), after)
	return before, after, nil
}

// UpdateBalanceAtomic is the internal API of spec section 4.C for writes
// outside the debit/credit pair: it forces the store to an absolute balance
// and keeps the cache in step. Nothing in this repository calls it.
func (m *Mutator) UpdateBalanceAtomic(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, balance decimal.Decimal) error {
	run := func(tx *gorm.DB) error {
		return m.repo.SetBalanceAbsolute(ctx, tx, walletID, balance)
	}
	var err error
	if tx != nil {
		err = run(tx)
	} else {
		err = m.txs.WithTx(ctx, run)
	}
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			return apperr.New(apperr.KindNotFound, "wallet not found")
		}
		return apperr.Wrap(apperr.KindStoreError, "set balance", err)
	}
	m.bumpCacheVersion(ctx, walletID.String(), balance)
	return nil
}

// ValidateForTransfer loads both wallets and checks the existence,
// ownership, active-status and currency-match preconditions of the saga's
// validate_transfer step (spec section 4.F step 0). It takes no lease: a
// plain read is enough before any balance is touched.
func (m *Mutator) ValidateForTransfer(ctx context.Context, caller, sourceID, destID uuid.UUID) (source, dest *models.Wallet, err error) {
	source, err = m.repo.GetByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			return nil, nil, apperr.New(apperr.KindNotFound, "source wallet not found")
		}
		return nil, nil, apperr.Wrap(apperr.KindStoreError, "load source wallet", err)
	}
	if source.OwnerID != caller {
		return nil, nil, ErrOwnerMismatch
	}
	dest, err = m.repo.GetByID(ctx, destID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			return nil, nil, apperr.New(apperr.KindNotFound, "destination wallet not found")
		}
		return nil, nil, apperr.Wrap(apperr.KindStoreError, "load destination wallet", err)
	}
	if !source.Active || !dest.Active {
		return nil, nil, ErrWalletInactive
	}
	if source.Currency != dest.Currency {
		return nil, nil, apperr.New(apperr.KindCurrencyMismatch, "wallets use different currencies")
	}
	return source, dest, nil
}

// OwnerOf returns a wallet's owner without an ownership check of its own.
// It exists for trusted internal callers (the stuck-saga recovery job) that
// need to recover the original caller identity of an already-persisted
// transaction, not for anything reachable from an HTTP request.
func (m *Mutator) OwnerOf(ctx context.Context, walletID uuid.UUID) (uuid.UUID, error) {
	w, err := m.repo.GetByID(ctx, walletID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			return uuid.Nil, apperr.New(apperr.KindNotFound, "wallet not found")
		}
		return uuid.Nil, apperr.Wrap(apperr.KindStoreError, "load wallet", err)
	}
	return w.OwnerID, nil
}

// bumpCacheVersion advances the versioned-balance cache entry to reflect a
// write that already committed durably. A CAS loss or cache error only
// invalidates the entry so the next reader falls back to the store — never
// treated as fatal (spec section 4.B failure semantics).
func (m *Mutator) bumpCacheVersion(ctx context.Context, walletID string, newBalance decimal.Decimal) {
	balStr := newBalance.StringFixed(2)
	cur, ok, err := m.cache.GetVersionedBalance(ctx, walletID)
	if err != nil {
		log.Printf("[WalletMutation] cache read before bump for %s failed: %v", walletID, err)
		return
	}
	if !ok {
		if err := m.cache.SetVersionedBalance(ctx, walletID, balStr, 1, m.ttl); err != nil {
			log.Printf("[WalletMutation] priming cache for %s failed: %v", walletID, err)
		}
		return
	}
	applied, err := m.cache.CompareAndSwapVersionedBalance(ctx, walletID, cur.Version, balStr, cur.Version+1, m.ttl)
	if err != nil {
		log.Printf("[WalletMutation] cache CAS for %s failed: %v", walletID, err)
		return
	}
	if !applied {
		if err := m.cache.InvalidateVersionedBalance(ctx, walletID); err != nil {
			log.Printf("[WalletMutation] invalidating stale cache entry for %s failed: %v", walletID, err)
		}
	}
}
