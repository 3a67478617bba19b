// Package limit implements the Limit Ledger of spec section 4.D: a
// per-user rolling daily/monthly transfer allowance, checked before a
// transfer is admitted and committed only once its saga reaches COMPLETED.
package limit

import (
	"context"
	"errors"
	"log"
	"time"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/cachekv"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/models"
	"p2pwallet/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repo is the subset of store.LimitLedgerStore the ledger needs.
type Repo interface {
	GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID, defaultDaily, defaultMonthly decimal.Decimal, today time.Time) (*models.LimitLedger, error)
	ApplyReset(ctx context.Context, tx *gorm.DB, id uuid.UUID, dailyUsed, monthlyUsed decimal.Decimal, lastDailyReset, lastMonthlyReset time.Time) error
	IncrementUsage(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.LimitLedger, error)
}

// Cache is the subset of cachekv.Client the ledger needs.
type Cache interface {
	SetDailyUsage(ctx context.Context, userID, used string, ttl time.Duration) error
	SetMonthlyUsage(ctx context.Context, userID, used string, ttl time.Duration) error
	InvalidateUsageCounters(ctx context.Context, userID string) error
}

// TxRunner is the narrowed store.TxRunner.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

var ErrLimitExceeded = apperr.New(apperr.KindLimitExceeded, "transfer would exceed daily or monthly limit")

// Ledger is the Limit Ledger component.
type Ledger struct {
	repo            Repo
	cache           Cache
	txs             TxRunner
	clk             clock.Clock
	defaultDaily    decimal.Decimal
	defaultMonthly  decimal.Decimal
	dailyCacheTTL   time.Duration
	monthlyCacheTTL time.Duration
}

func New(repo Repo, cache Cache, txs TxRunner, clk clock.Clock, defaultDaily, defaultMonthly decimal.Decimal, dailyCacheTTL, monthlyCacheTTL time.Duration) *Ledger {
	return &Ledger{
		repo:            repo,
		cache:           cache,
		txs:             txs,
		clk:             clk,
		defaultDaily:    defaultDaily,
		defaultMonthly:  defaultMonthly,
		dailyCacheTTL:   dailyCacheTTL,
		monthlyCacheTTL: monthlyCacheTTL,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// CheckAndProject implements the reset-then-check sequence of spec section
// 4.D: roll the daily/monthly windows forward if they've elapsed, persist
// that reset unconditionally, then reject the transfer if projecting amount
// on top of (possibly just-reset) usage would exceed either limit. Reset
// persistence happens even when the projected check subsequently fails.
func (l *Ledger) CheckAndProject(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	now := l.clk.Now()
	today := startOfDay(now)
	month := startOfMonth(now)

	return l.txs.WithTx(ctx, func(tx *gorm.DB) error {
		ledger, err := l.repo.GetOrCreateForUpdate(ctx, tx, userID, l.defaultDaily, l.defaultMonthly, today)
		if err != nil {
			return apperr.Wrap(apperr.KindStoreError, "load limit ledger", err)
		}

		dailyUsed := ledger.DailyUsed
		monthlyUsed := ledger.MonthlyUsed
		lastDaily := ledger.LastDailyReset
		lastMonthly := ledger.LastMonthlyReset
		resetNeeded := false

		if startOfDay(lastDaily).Before(today) {
			dailyUsed = decimal.Zero
			lastDaily = today
			resetNeeded = true
		}
		if startOfMonth(lastMonthly).Before(month) {
			monthlyUsed = decimal.Zero
			lastMonthly = month
			resetNeeded = true
		}
		if resetNeeded {
			if err := l.repo.ApplyReset(ctx, tx, ledger.ID, dailyUsed, monthlyUsed, lastDaily, lastMonthly); err != nil {
				return apperr.Wrap(apperr.KindStoreError, "apply limit reset", err)
			}
			if err := l.cache.SetDailyUsage(ctx, userID.String(), dailyUsed.StringFixed(2), l.dailyCacheTTL); err != nil {
				log.Printf("[LimitLedger] caching daily usage for %s failed: %v", userID, err)
			}
			if err := l.cache.SetMonthlyUsage(ctx, userID.String(), monthlyUsed.StringFixed(2), l.monthlyCacheTTL); err != nil {
				log.Printf("[LimitLedger] caching monthly usage for %s failed: %v", userID, err)
			}
		}

		if dailyUsed.Add(amount).GreaterThan(ledger.DailyLimit) {
			return ErrLimitExceeded
		}
		if monthlyUsed.Add(amount).GreaterThan(ledger.MonthlyLimit) {
			return ErrLimitExceeded
		}
		return nil
	})
}

// CommitUsage records amount against userID's rolling usage. Per the
// section 9 open-question decision, the saga's transfer service calls this
// inside the same transaction as the finalize_transfer step, only once the
// saga has reached COMPLETED — a transfer that fails or compensates never
// touches usage.
func (l *Ledger) CommitUsage(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error {
	if err := l.repo.IncrementUsage(ctx, tx, userID, amount); err != nil {
		return apperr.Wrap(apperr.KindStoreError, "commit limit usage", err)
	}
	if err := l.cache.InvalidateUsageCounters(ctx, userID.String()); err != nil {
		log.Printf("[LimitLedger] invalidating usage cache for %s failed: %v", userID, err)
	}
	return nil
}

// Get returns the caller's current ledger row for the transfer-limits query
// endpoint (spec section 6).
func (l *Ledger) Get(ctx context.Context, userID uuid.UUID) (*models.LimitLedger, error) {
	ledger, err := l.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrLimitLedgerNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "no limit ledger for user")
		}
		return nil, apperr.Wrap(apperr.KindStoreError, "load limit ledger", err)
	}
	return ledger, nil
}

var _ Cache = (*cachekv.Client)(nil)
