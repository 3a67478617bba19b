package store

import (
	"context"
	"errors"
	"time"

	"p2pwallet/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrLimitLedgerNotFound = errors.New("store: limit ledger not found")

type LimitLedgerStore struct {
	db *gorm.DB
}

func NewLimitLedgerStore(db *gorm.DB) *LimitLedgerStore {
	return &LimitLedgerStore{db: db}
}

// GetOrCreateForUpdate returns the user's ledger row locked for update,
// creating it with the configured defaults on first use. This is the entry
// point CheckAndProject uses to make the reset-then-check sequence of spec
// section 4.D atomic against concurrent transfers by the same user.
func (s *LimitLedgerStore) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID, defaultDaily, defaultMonthly decimal.Decimal, today time.Time) (*models.LimitLedger, error) {
	var ledger models.LimitLedger
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&ledger).Error
	if err == nil {
		return &ledger, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ledger = models.LimitLedger{
		ID:               uuid.New(),
		UserID:           userID,
		DailyLimit:       defaultDaily,
		MonthlyLimit:     defaultMonthly,
		DailyUsed:        decimal.Zero,
		MonthlyUsed:      decimal.Zero,
		LastDailyReset:   today,
		LastMonthlyReset: today,
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&ledger).Error; err != nil {
		return nil, err
	}
	return s.GetOrCreateForUpdate(ctx, tx, userID, defaultDaily, defaultMonthly, today)
}

// ApplyReset persists a day/month rollover independently of whether the
// transfer that triggered the read ultimately succeeds (spec section 4.D:
// "Reset persistence is independent of whether the transfer ultimately
// succeeds").
func (s *LimitLedgerStore) ApplyReset(ctx context.Context, tx *gorm.DB, id uuid.UUID, dailyUsed, monthlyUsed decimal.Decimal, lastDailyReset, lastMonthlyReset time.Time) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Model(&models.LimitLedger{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"daily_used":         dailyUsed,
			"monthly_used":       monthlyUsed,
			"last_daily_reset":   lastDailyReset,
			"last_monthly_reset": lastMonthlyReset,
		}).Error
}

// IncrementUsage is CommitUsage's store-level primitive (spec section 4.D):
// an expression-based increment of both windows, applied only once the saga
// reaches COMPLETED.
func (s *LimitLedgerStore) IncrementUsage(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error {
	db := s.txOrDefault(tx)
	result := db.WithContext(ctx).Model(&models.LimitLedger{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"daily_used":   gorm.Expr("daily_used + ?", amount),
			"monthly_used": gorm.Expr("monthly_used + ?", amount),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLimitLedgerNotFound
	}
	return nil
}

func (s *LimitLedgerStore) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.LimitLedger, error) {
	var ledger models.LimitLedger
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&ledger).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLimitLedgerNotFound
		}
		return nil, err
	}
	return &ledger, nil
}

func (s *LimitLedgerStore) txOrDefault(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
