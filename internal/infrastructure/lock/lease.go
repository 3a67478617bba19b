// Package lock implements the wallet lease primitive of spec section 4.B:
// a time-bounded, exclusive claim on a named resource, held in Redis.
//
// Locking contract (spec section 4.B): every mutation of a wallet balance
// must hold that wallet's lease for the entire read-compute-commit window.
// The lease TTL bounds progress — if the holder dies, the lease expires and
// another writer proceeds. A writer that finishes after its TTL must not
// apply updates; that is enforced one layer up, by the versioned-balance
// compare-and-swap in internal/cachekv, not by this package.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var (
	ErrLockFailed  = errors.New("lock: failed to acquire lease")
	ErrLockExpired = errors.New("lock: lease expired")
)

// Lease is a single acquisition of a named resource.
type Lease struct {
	client     *redis.Client
	key        string
	token      string
	expiration time.Duration
}

// NewLease creates a lease handle. token identifies the holder so Release
// only ever removes a lease it still owns.
func NewLease(client *redis.Client, key, token string, expiration time.Duration) *Lease {
	return &Lease{client: client, key: key, token: token, expiration: expiration}
}

// TryAcquire attempts a non-blocking SET key value NX EX acquisition.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Acquire retries TryAcquire until success, timeout, or context
// cancellation, matching the write/read timeouts of spec section 5.
func (l *Lease) Acquire(ctx context.Context, retryInterval time.Duration, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// releaseScript atomically checks ownership before deleting, so a lease
// whose TTL already expired and was re-acquired by someone else is never
// deleted out from under its new holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Release performs the compare-and-delete. It never returns ErrLockExpired
// to the caller — losing a race to release your own already-expired lease
// is expected, not exceptional, per the locking contract above.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	return err
}

// WalletLeaseKey builds the wallet_lock:{walletId} key of spec section 6.
func WalletLeaseKey(walletID string) string {
	return fmt.Sprintf("wallet_lock:%s", walletID)
}

// NewWalletLease builds a lease for the given wallet with a fresh random
// token, ready for Acquire/Release.
func NewWalletLease(client *redis.Client, walletID string, expiration time.Duration) *Lease {
	return NewLease(client, WalletLeaseKey(walletID), uuid.NewString(), expiration)
}
