// Package database bootstraps the durable store (spec section 4.A): a
// relational store reachable through GORM, providing atomic multi-row
// commits and row-level locks to the store layer above it.
package database

import (
	"fmt"
	"log"
	"time"

	"p2pwallet/internal/config"
	"p2pwallet/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitMySQL opens the pool and migrates the schema essentials of spec
// section 4.A: a unique index on transactions.idempotencyKey plus secondary
// indexes on the source/destination wallet, createdAt and
// externalReferenceId columns (declared as gorm tags on models.Transaction).
func InitMySQL(cfg *config.MySQLConfig) *gorm.DB {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatalf("database: failed to connect to mysql: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("database: failed to get underlying sql.DB: %v", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.Wallet{},
		&models.Transaction{},
		&models.LimitLedger{},
		&models.OutboxMessage{},
	); err != nil {
		log.Fatalf("database: failed to auto-migrate schema: %v", err)
	}

	log.Println("database: mysql connected and migrated")
	return db
}
