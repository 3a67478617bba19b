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

var (
	ErrWalletNotFound       = errors.New("store: wallet not found")
	ErrInsufficientBalance  = errors.New("store: insufficient balance")
	ErrWalletVersionInvalid = errors.New("store: wallet balance write rejected")
)

type WalletStore struct {
	db *gorm.DB
}

func NewWalletStore(db *gorm.DB) *WalletStore {
	return &WalletStore{db: db}
}

func (s *WalletStore) Create(ctx context.Context, tx *gorm.DB, wallet *models.Wallet) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Create(wallet).Error
}

func (s *WalletStore) GetByID(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetForUpdate takes a row lock inside the caller's transaction (spec
// section 4.A "row-level locks"), used by the saga's debit/credit steps
// while they also hold the wallet lease.
func (s *WalletStore) GetForUpdate(ctx context.Context, tx *gorm.DB, walletID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// ApplyDelta performs an expression-based update (spec section 4.A:
// "balance = balance + X" to avoid read-modify-write races) and, when delta
// is negative, guards against a negative resulting balance in the WHERE
// clause itself so the DB is the final arbiter of solvency (spec section
// 4.F: "the authoritative guard is the locked debit ... re-checking balance
// >= amount").
func (s *WalletStore) ApplyDelta(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, delta decimal.Decimal) error {
	db := s.txOrDefault(tx)
	query := db.WithContext(ctx).Model(&models.Wallet{}).Where("id = ?", walletID)
	if delta.IsNegative() {
		query = query.Where("balance >= ?", delta.Neg())
	}
	result := query.Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if delta.IsNegative() {
			return ErrInsufficientBalance
		}
		return ErrWalletNotFound
	}
	return nil
}

// SetBalanceAbsolute writes an absolute balance, used by
// UpdateBalanceAtomic (spec section 4.C).
func (s *WalletStore) SetBalanceAbsolute(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, balance decimal.Decimal) error {
	db := s.txOrDefault(tx)
	result := db.WithContext(ctx).Model(&models.Wallet{}).
		Where("id = ?", walletID).
		Update("balance", balance)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// ListRecentlyUpdated returns wallets touched since the given time, feeding
// the cache/store reconciliation job's sampling (spec section 9 open
// question 2).
func (s *WalletStore) ListRecentlyUpdated(ctx context.Context, since time.Time, limit int) ([]models.Wallet, error) {
	var wallets []models.Wallet
	err := s.db.WithContext(ctx).
		Where("updated_at >= ?", since).
		Order("updated_at DESC").
		Limit(limit).
		Find(&wallets).Error
	return wallets, err
}

func (s *WalletStore) txOrDefault(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
