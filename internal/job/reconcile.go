package job

import (
	"context"
	"log"
	"time"

	"p2pwallet/internal/cachekv"
	"p2pwallet/internal/models"

	"github.com/shopspring/decimal"
)

// reconcileWindow is how far back the sampler looks for recently touched
// wallets each sweep.
const reconcileWindow = 10 * time.Minute

// RecentWalletRepo is the subset of store.WalletStore the reconciliation job
// needs.
type RecentWalletRepo interface {
	ListRecentlyUpdated(ctx context.Context, since time.Time, limit int) ([]models.Wallet, error)
}

// BalanceCache is the subset of cachekv.Client the reconciliation job needs.
type BalanceCache interface {
	GetVersionedBalance(ctx context.Context, walletID string) (cachekv.VersionedBalance, bool, error)
	SetVersionedBalance(ctx context.Context, walletID, balance string, version int64, ttl time.Duration) error
	InvalidateVersionedBalance(ctx context.Context, walletID string) error
}

// CacheReconciler periodically samples recently updated wallets and compares
// the cached balance against the durable row, the store always wins: a
// mismatch is repaired by re-priming the cache entry from the store row and
// logging an alert, never by writing the cache's stale value back.
type CacheReconciler struct {
	wallets   RecentWalletRepo
	cache     BalanceCache
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	cacheTTL  time.Duration
}

func NewCacheReconciler(wallets RecentWalletRepo, cache BalanceCache) *CacheReconciler {
	return &CacheReconciler{
		wallets:   wallets,
		cache:     cache,
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 200,
		cacheTTL:  5 * time.Minute,
	}
}

func (j *CacheReconciler) Start(ctx context.Context) {
	log.Println("[CacheReconciler] started")
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CacheReconciler] context cancelled, exiting")
			return
		case <-j.stopCh:
			log.Println("[CacheReconciler] stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *CacheReconciler) Stop() {
	close(j.stopCh)
}

func (j *CacheReconciler) sweep(ctx context.Context) {
	since := time.Now().UTC().Add(-reconcileWindow)
	wallets, err := j.wallets.ListRecentlyUpdated(ctx, since, j.batchSize)
	if err != nil {
		log.Printf("[CacheReconciler] listing recently updated wallets failed: %v", err)
		return
	}
	for _, w := range wallets {
		cached, ok, err := j.cache.GetVersionedBalance(ctx, w.ID.String())
		if err != nil {
			log.Printf("[CacheReconciler] reading cache for wallet %s failed: %v", w.ID, err)
			continue
		}
		if !ok {
			continue
		}
		cachedBalance, err := decimal.NewFromString(cached.Balance)
		if err != nil || !cachedBalance.Equal(w.Balance) {
			log.Printf("[CacheReconciler] ALERT: cache drift on wallet %s: cached=%s store=%s, re-priming", w.ID, cached.Balance, w.Balance.StringFixed(2))
			if err := j.cache.SetVersionedBalance(ctx, w.ID.String(), w.Balance.StringFixed(2), cached.Version+1, j.cacheTTL); err != nil {
				log.Printf("[CacheReconciler] re-priming cache for %s failed, invalidating instead: %v", w.ID, err)
				if err := j.cache.InvalidateVersionedBalance(ctx, w.ID.String()); err != nil {
					log.Printf("[CacheReconciler] invalidating cache for wallet %s failed: %v", w.ID, err)
				}
			}
		}
	}
}
