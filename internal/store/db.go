// Package store adapts the teacher's repository pattern (single-row
// upserts, transactional multi-statement commits, expression-based updates)
// to GORM/MySQL for the entities of spec section 3, and to the schema
// essentials of spec section 4.A.
package store

import (
	"context"

	"gorm.io/gorm"
)

// TxRunner drives the "transactional multi-statement commits with
// rollback" operation class of spec section 4.A. Saga steps that need more
// than one statement to commit atomically call WithTx once and pass the
// resulting *gorm.DB down to the store methods below.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type GormTxRunner struct {
	DB *gorm.DB
}

func NewTxRunner(db *gorm.DB) *GormTxRunner {
	return &GormTxRunner{DB: db}
}

func (r *GormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.DB.WithContext(ctx).Transaction(fn)
}
