package wallet

import (
	"time"

	"p2pwallet/internal/infrastructure/lock"

	"github.com/go-redis/redis/v8"
)

// RedisLeaseFactory adapts internal/infrastructure/lock's Lease to the
// narrow LeaseFactory contract this package depends on, so Mutator never
// imports the redis client directly.
type RedisLeaseFactory struct {
	Client *redis.Client
}

func NewRedisLeaseFactory(client *redis.Client) *RedisLeaseFactory {
	return &RedisLeaseFactory{Client: client}
}

func (f *RedisLeaseFactory) NewWalletLease(walletID string, expiration time.Duration) Lease {
	return lock.NewWalletLease(f.Client, walletID, expiration)
}
