// Package cachekv implements the cache-side primitives of spec section 4.B
// on top of go-redis: the versioned wallet balance, the limit usage
// counters, and the idempotency result/request-hash/error entries. The
// wallet lease itself lives in internal/infrastructure/lock.
//
// Failure semantics (spec section 4.B): cache errors never corrupt durable
// state. Every read here treats redis.Nil as a plain cache miss, not an
// error; every write failure is returned so the caller can log it and fall
// back to the store, never treated as fatal.
package cachekv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps a redis connection with the cache namespaces of spec section
// 6: wallet_balance_v2:, transfer_limit:, idempotency:, idempotency_error:,
// and idempotency_request: (which holds the request-hash entries).
type Client struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// VersionedBalance is the cached shape of spec section 4.B: {balance,
// version, lastUpdated}.
type VersionedBalance struct {
	Balance     string    `redis:"balance"`
	Version     int64     `redis:"version"`
	LastUpdated time.Time `redis:"-"`
}

func balanceKey(walletID string) string {
	return fmt.Sprintf("wallet_balance_v2:%s", walletID)
}

// GetVersionedBalance returns the cached balance, or ok=false on a clean
// cache miss.
func (c *Client) GetVersionedBalance(ctx context.Context, walletID string) (VersionedBalance, bool, error) {
	vals, err := c.rdb.HGetAll(ctx, balanceKey(walletID)).Result()
	if err != nil {
		return VersionedBalance{}, false, err
	}
	if len(vals) == 0 {
		return VersionedBalance{}, false, nil
	}
	var vb VersionedBalance
	vb.Balance = vals["balance"]
	fmt.Sscanf(vals["version"], "%d", &vb.Version)
	if ts, ok := vals["lastUpdated"]; ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			vb.LastUpdated = parsed
		}
	}
	return vb, true, nil
}

// SetVersionedBalance unconditionally primes the cache — used right after a
// wallet is created and whenever a lease holder wants to write through
// following an authoritative store read (spec section 4.C GetBalance and
// CreateWallet).
func (c *Client) SetVersionedBalance(ctx context.Context, walletID, balance string, version int64, ttl time.Duration) error {
	key := balanceKey(walletID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"balance":     balance,
		"version":     version,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.PExpire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// casScript only applies the write if the currently stored version equals
// the caller's expected version; a missing entry never matches, forcing the
// caller back to the authoritative store (spec section 4.B).
const casScript = `
local current = redis.call("HGET", KEYS[1], "version")
if current == false then
	return 0
end
if tonumber(current) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "balance", ARGV[2], "version", ARGV[3], "lastUpdated", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`

// CompareAndSwapVersionedBalance is the versioned-balance CAS primitive of
// spec section 4.B, used by every wallet writer that already holds the
// wallet's lease.
func (c *Client) CompareAndSwapVersionedBalance(ctx context.Context, walletID string, expectedVersion int64, newBalance string, newVersion int64, ttl time.Duration) (bool, error) {
	key := balanceKey(walletID)
	res, err := c.rdb.Eval(ctx, casScript, []string{key},
		expectedVersion,
		newBalance,
		newVersion,
		time.Now().UTC().Format(time.RFC3339Nano),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, err
	}
	applied, _ := res.(int64)
	return applied == 1, nil
}

// InvalidateVersionedBalance drops the cached balance, forcing the next
// reader back to the store. Used by the reconciliation job's repair path.
func (c *Client) InvalidateVersionedBalance(ctx context.Context, walletID string) error {
	return c.rdb.Del(ctx, balanceKey(walletID)).Err()
}

// --- limit usage counters -------------------------------------------------

func dailyCounterKey(userID string) string   { return fmt.Sprintf("transfer_limit:%s:daily", userID) }
func monthlyCounterKey(userID string) string { return fmt.Sprintf("transfer_limit:%s:monthly", userID) }

// SetDailyUsage and SetMonthlyUsage mirror the authoritative LimitLedger
// counters into the cache with the TTLs of spec section 4.B (1 day / 30
// days). This client has no reader for them: limit checks always read the
// store row.
func (c *Client) SetDailyUsage(ctx context.Context, userID, used string, ttl time.Duration) error {
	return c.rdb.Set(ctx, dailyCounterKey(userID), used, ttl).Err()
}

func (c *Client) SetMonthlyUsage(ctx context.Context, userID, used string, ttl time.Duration) error {
	return c.rdb.Set(ctx, monthlyCounterKey(userID), used, ttl).Err()
}

// InvalidateUsageCounters is called after CommitUsage (spec section 4.D):
// the store is the source of truth for the next read, the cache is just a
// hint that just went stale.
func (c *Client) InvalidateUsageCounters(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, dailyCounterKey(userID), monthlyCounterKey(userID)).Err()
}

// --- idempotency entries ---------------------------------------------------

func resultKey(key string) string  { return fmt.Sprintf("idempotency:%s", key) }
func errorKey(key string) string   { return fmt.Sprintf("idempotency_error:%s", key) }
func requestKey(hash string) string { return fmt.Sprintf("idempotency_request:%s", hash) }

// SetResult writes the 1h result cache entry (spec section 3
// IdempotencyRecord, section 4.E step 4).
func (c *Client) SetResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, resultKey(key), payload, ttl).Err()
}

// GetResult returns ok=false on a clean cache miss.
func (c *Client) GetResult(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// SetError writes the 5min failure entry (spec section 4.E step 5).
func (c *Client) SetError(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, errorKey(key), payload, ttl).Err()
}

func (c *Client) GetError(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, errorKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// RequestHashEntry is the {key, timestamp, endpoint} value of spec section
// 3's content-hash cache.
type RequestHashEntry struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
}

// SetRequestHash records the hash->key mapping with the 30min TTL of spec
// section 4.B, used to detect a content-hash collision under a different
// caller-supplied idempotency key (spec section 4.E step 3).
func (c *Client) SetRequestHash(ctx context.Context, hash string, entry RequestHashEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, requestKey(hash), payload, ttl).Err()
}

func (c *Client) GetRequestHash(ctx context.Context, hash string) (RequestHashEntry, bool, error) {
	val, err := c.rdb.Get(ctx, requestKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RequestHashEntry{}, false, nil
	}
	if err != nil {
		return RequestHashEntry{}, false, err
	}
	var entry RequestHashEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return RequestHashEntry{}, false, err
	}
	return entry, true, nil
}
