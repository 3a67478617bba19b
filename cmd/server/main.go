package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p2pwallet/internal/cachekv"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/config"
	"p2pwallet/internal/handler"
	"p2pwallet/internal/idempotency"
	"p2pwallet/internal/infrastructure/cache"
	"p2pwallet/internal/infrastructure/database"
	"p2pwallet/internal/infrastructure/mq"
	"p2pwallet/internal/job"
	"p2pwallet/internal/limit"
	"p2pwallet/internal/store"
	"p2pwallet/internal/transfer"
	"p2pwallet/internal/wallet"
	"p2pwallet/pkg/idgen"

	"github.com/shopspring/decimal"
)

func main() {
	cfg := config.LoadConfig("config/config.yaml")
	idgen.Init(1)

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)
	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	txRunner := store.NewTxRunner(db)
	walletStore := store.NewWalletStore(db)
	txStore := store.NewTransactionStore(db)
	limitStore := store.NewLimitLedgerStore(db)
	outboxStore := store.NewOutboxStore(db)

	kv := cachekv.New(redisClient)
	leases := wallet.NewRedisLeaseFactory(redisClient)
	clk := clock.Real{}

	wallets := wallet.New(walletStore, kv, leases, txRunner, txStore, clk, cfg.TTL.VersionedBalance, cfg.Lock)
	limits := limit.New(limitStore, kv, txRunner, clk,
		decimal.NewFromFloat(cfg.Limits.DefaultDailyLimit),
		decimal.NewFromFloat(cfg.Limits.DefaultMonthlyLimit),
		cfg.TTL.DailyCounter, cfg.TTL.MonthlyCounter)
	gate := idempotency.New(txStore, kv, clk, cfg.TTL.IdempotencyResult, cfg.TTL.IdempotencyError, cfg.TTL.IdempotencyRequest)
	xfer := transfer.New(wallets, limits, gate, txRunner, txStore, outboxStore, clk, cfg.Kafka.Topic.TransferEvents)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(outboxStore, producer)
	go outboxSender.Start(ctx)

	stuckRecovery := job.NewStuckSagaRecovery(txStore, xfer, clk)
	go stuckRecovery.Start(ctx)

	reconciler := job.NewCacheReconciler(walletStore, kv)
	go reconciler.Start(ctx)

	router := handler.SetupRouter(wallets, xfer, cfg)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("server: listening on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("server: shutting down")
	cancel()
	outboxSender.Stop()
	stuckRecovery.Stop()
	reconciler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: shutdown error: %v", err)
	}
	log.Println("server: stopped")
}
