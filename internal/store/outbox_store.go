package store

import (
	"context"

	"p2pwallet/internal/models"

	"gorm.io/gorm"
)

// OutboxStore persists best-effort external-notification rows (spec section
// 1 non-goal: not exactly-once), adapted from the teacher's outbox
// repository.
type OutboxStore struct {
	db *gorm.DB
}

func NewOutboxStore(db *gorm.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func (s *OutboxStore) Create(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error {
	db := s.txOrDefault(tx)
	return db.WithContext(ctx).Create(msg).Error
}

func (s *OutboxStore) GetPending(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var messages []models.OutboxMessage
	err := s.db.WithContext(ctx).
		Where("status = ?", models.OutboxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (s *OutboxStore) MarkSent(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", models.OutboxSent).Error
}

func (s *OutboxStore) IncrementRetry(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.OutboxFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

func (s *OutboxStore) txOrDefault(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
