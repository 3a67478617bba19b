// Package idempotency implements the Idempotency Gate of spec section 4.E:
// dedup and replay of retried transfer requests, by stable key and by
// request-content hash.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/cachekv"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/models"

	"github.com/google/uuid"
)

// collisionWindow is the fixed 5-minute request-hash collision window of
// spec section 4.E step 3 — narrower than the 30-minute cache TTL the
// request-hash entry itself carries.
const collisionWindow = 5 * time.Minute

// maxRetries is the retryCount ceiling of spec section 4.E's retryability
// table.
const maxRetries = 3

// terminalErrorCodes are the business rejections spec section 4.E names as
// non-retryable.
var terminalErrorCodes = map[string]bool{
	string(apperr.KindInsufficientFunds): true,
	string(apperr.KindNotFound):          true,
	string(apperr.KindLimitExceeded):     true,
	string(apperr.KindCurrencyMismatch):  true,
}

// TransactionLookup is the subset of store.TransactionStore the gate needs.
type TransactionLookup interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
}

// Cache is the subset of cachekv.Client the gate needs.
type Cache interface {
	GetResult(ctx context.Context, key string) ([]byte, bool, error)
	SetResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	GetError(ctx context.Context, key string) ([]byte, bool, error)
	SetError(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	GetRequestHash(ctx context.Context, hash string) (cachekv.RequestHashEntry, bool, error)
	SetRequestHash(ctx context.Context, hash string, entry cachekv.RequestHashEntry, ttl time.Duration) error
}

var (
	ErrConflict     = apperr.New(apperr.KindConflict, "a transfer with this idempotency key is already in flight")
	ErrHashConflict = apperr.New(apperr.KindConflict, "the same transfer was already submitted under a different idempotency key")
)

// Gate is the Idempotency Gate.
type Gate struct {
	txs        TransactionLookup
	cache      Cache
	clk        clock.Clock
	resultTTL  time.Duration
	errorTTL   time.Duration
	requestTTL time.Duration
}

func New(txs TransactionLookup, cache Cache, clk clock.Clock, resultTTL, errorTTL, requestTTL time.Duration) *Gate {
	return &Gate{txs: txs, cache: cache, clk: clk, resultTTL: resultTTL, errorTTL: errorTTL, requestTTL: requestTTL}
}

// SynthesizeKey builds the auto_ prefixed key of spec section 4.E, used when
// the caller supplies none. It is deliberately never shared across retries.
func SynthesizeKey(payload []byte) string {
	h := sha256.Sum256(payload)
	return fmt.Sprintf("auto_%x_%d_%s", h[:4], time.Now().UnixNano(), uuid.NewString()[:8])
}

// IsAutoKey reports whether key was synthesized rather than caller-supplied.
func IsAutoKey(key string) bool {
	return len(key) >= 5 && key[:5] == "auto_"
}

// HashRequest computes the business-fields-only content hash of spec section
// 3's IdempotencyRecord: method, endpoint, userId, destinationWalletId,
// amount, description — explicitly excluding the idempotency key and
// external reference.
func HashRequest(method, endpoint, userID, destinationWalletID, amount, description string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", method, endpoint, userID, destinationWalletID, amount, description)
	return hex.EncodeToString(h.Sum(nil))
}

// LookupResult is workflow step 1: the result cache under idempotency:{key}.
func (g *Gate) LookupResult(ctx context.Context, key string) ([]byte, bool, error) {
	payload, ok, err := g.cache.GetResult(ctx, key)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindCacheError, "read idempotency result cache", err)
	}
	return payload, ok, nil
}

// LookupTransaction is workflow step 2: the most recent transaction by
// idempotencyKey. A nil, nil return means no prior attempt exists.
func (g *Gate) LookupTransaction(ctx context.Context, key string) (*models.Transaction, error) {
	tx, err := g.txs.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "lookup transaction by idempotency key", err)
	}
	return tx, nil
}

// Retryable implements spec section 4.E's retryability table: retryCount < 3
// and the recorded error code is not one of the terminal business
// rejections.
func Retryable(tx *models.Transaction) bool {
	if tx.RetryCount >= maxRetries {
		return false
	}
	if tx.ErrorDetail != nil && terminalErrorCodes[tx.ErrorDetail.Code] {
		return false
	}
	return true
}

// CheckRequestHash is workflow step 3, applied only to caller-supplied
// (non-auto_) keys. If the same business hash was seen recently under a
// different key whose transaction is still in flight, it fails with
// ErrHashConflict; otherwise it records the hash→key mapping and lets the
// caller proceed.
func (g *Gate) CheckRequestHash(ctx context.Context, key, hash, endpoint string) error {
	if IsAutoKey(key) {
		return nil
	}
	entry, ok, err := g.cache.GetRequestHash(ctx, hash)
	if err != nil {
		return apperr.Wrap(apperr.KindCacheError, "read request-hash cache", err)
	}
	if ok && entry.Key != key && g.clk.Now().Sub(entry.Timestamp) <= collisionWindow {
		existing, lookupErr := g.txs.GetByIdempotencyKey(ctx, entry.Key)
		if lookupErr == nil && existing != nil &&
			(existing.Status == models.StatusPending || existing.Status == models.StatusProcessing) {
			return ErrHashConflict
		}
	}
	newEntry := cachekv.RequestHashEntry{Key: key, Timestamp: g.clk.Now(), Endpoint: endpoint}
	if err := g.cache.SetRequestHash(ctx, hash, newEntry, g.requestTTL); err != nil {
		return apperr.Wrap(apperr.KindCacheError, "write request-hash cache", err)
	}
	return nil
}

// RecordSuccess is workflow step 4: write the 1h result cache entry.
func (g *Gate) RecordSuccess(ctx context.Context, key string, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "marshal idempotent response", err)
	}
	if err := g.cache.SetResult(ctx, key, payload, g.resultTTL); err != nil {
		return apperr.Wrap(apperr.KindCacheError, "write idempotency result cache", err)
	}
	return nil
}

// RecordFailure is workflow step 5: the 5min error entry. The transaction
// row, already persisted by the saga, remains the durable record of
// failure; this is purely an accelerant for fast replay.
func (g *Gate) RecordFailure(ctx context.Context, key string, failure any) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "marshal idempotent failure", err)
	}
	if err := g.cache.SetError(ctx, key, payload, g.errorTTL); err != nil {
		return apperr.Wrap(apperr.KindCacheError, "write idempotency error cache", err)
	}
	return nil
}
