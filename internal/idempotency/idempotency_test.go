package idempotency

import (
	"context"
	"testing"
	"time"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/cachekv"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/models"
)

type fakeTxLookup struct {
	byKey map[string]*models.Transaction
	err   error
}

func (f *fakeTxLookup) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byKey[key], nil
}

type fakeCache struct {
	results map[string][]byte
	errs    map[string][]byte
	hashes  map[string]cachekv.RequestHashEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{results: map[string][]byte{}, errs: map[string][]byte{}, hashes: map[string]cachekv.RequestHashEntry{}}
}

func (c *fakeCache) GetResult(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.results[key]
	return v, ok, nil
}
func (c *fakeCache) SetResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	c.results[key] = payload
	return nil
}
func (c *fakeCache) GetError(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.errs[key]
	return v, ok, nil
}
func (c *fakeCache) SetError(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	c.errs[key] = payload
	return nil
}
func (c *fakeCache) GetRequestHash(ctx context.Context, hash string) (cachekv.RequestHashEntry, bool, error) {
	v, ok := c.hashes[hash]
	return v, ok, nil
}
func (c *fakeCache) SetRequestHash(ctx context.Context, hash string, entry cachekv.RequestHashEntry, ttl time.Duration) error {
	c.hashes[hash] = entry
	return nil
}

func TestLookupResultHitAndMiss(t *testing.T) {
	cache := newFakeCache()
	g := New(&fakeTxLookup{byKey: map[string]*models.Transaction{}}, cache, clock.Real{}, time.Hour, 5*time.Minute, 30*time.Minute)

	if _, ok, err := g.LookupResult(context.Background(), "k1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	cache.results["k1"] = []byte(`{"ok":true}`)
	payload, ok, err := g.LookupResult(context.Background(), "k1")
	if err != nil || !ok || string(payload) != `{"ok":true}` {
		t.Fatalf("expected cached hit, got ok=%v err=%v payload=%s", ok, err, payload)
	}
}

func TestRetryableRespectsMaxRetriesAndTerminalCodes(t *testing.T) {
	within := &models.Transaction{RetryCount: 1}
	if !Retryable(within) {
		t.Fatalf("expected retry count 1 to be retryable")
	}

	exhausted := &models.Transaction{RetryCount: 3}
	if Retryable(exhausted) {
		t.Fatalf("expected retry count at ceiling to be non-retryable")
	}

	terminal := &models.Transaction{RetryCount: 0, ErrorDetail: &models.ErrorDetail{Code: string(apperr.KindInsufficientFunds)}}
	if Retryable(terminal) {
		t.Fatalf("expected insufficient-funds failure to be non-retryable")
	}
}

func TestCheckRequestHashSkipsAutoKeys(t *testing.T) {
	cache := newFakeCache()
	g := New(&fakeTxLookup{}, cache, clock.Real{}, time.Hour, 5*time.Minute, 30*time.Minute)

	autoKey := SynthesizeKey([]byte("payload"))
	if err := g.CheckRequestHash(context.Background(), autoKey, "somehash", "/wallets/x/transfer"); err != nil {
		t.Fatalf("expected auto keys to bypass hash check, got %v", err)
	}
	if len(cache.hashes) != 0 {
		t.Fatalf("expected no hash entry recorded for an auto key")
	}
}

func TestCheckRequestHashConflictsWithInFlightTransaction(t *testing.T) {
	clk := &clock.Fixed{At: time.Now()}
	cache := newFakeCache()
	cache.hashes["h1"] = cachekv.RequestHashEntry{Key: "other-key", Timestamp: clk.Now(), Endpoint: "/wallets/x/transfer"}
	lookup := &fakeTxLookup{byKey: map[string]*models.Transaction{
		"other-key": {Status: models.StatusProcessing},
	}}
	g := New(lookup, cache, clk, time.Hour, 5*time.Minute, 30*time.Minute)

	err := g.CheckRequestHash(context.Background(), "my-key", "h1", "/wallets/x/transfer")
	if err != ErrHashConflict {
		t.Fatalf("expected ErrHashConflict, got %v", err)
	}
}

func TestCheckRequestHashAllowsAfterCollisionWindow(t *testing.T) {
	clk := &clock.Fixed{At: time.Now()}
	cache := newFakeCache()
	cache.hashes["h1"] = cachekv.RequestHashEntry{Key: "other-key", Timestamp: clk.Now().Add(-10 * time.Minute), Endpoint: "/wallets/x/transfer"}
	lookup := &fakeTxLookup{byKey: map[string]*models.Transaction{
		"other-key": {Status: models.StatusProcessing},
	}}
	g := New(lookup, cache, clk, time.Hour, 5*time.Minute, 30*time.Minute)

	if err := g.CheckRequestHash(context.Background(), "my-key", "h1", "/wallets/x/transfer"); err != nil {
		t.Fatalf("expected the stale collision entry to be ignored, got %v", err)
	}
}

func TestRecordSuccessAndFailureWriteCache(t *testing.T) {
	cache := newFakeCache()
	g := New(&fakeTxLookup{}, cache, clock.Real{}, time.Hour, 5*time.Minute, 30*time.Minute)

	if err := g.RecordSuccess(context.Background(), "k1", map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cache.results["k1"]; !ok {
		t.Fatalf("expected result cache entry for k1")
	}

	if err := g.RecordFailure(context.Background(), "k2", map[string]string{"code": "1003"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cache.errs["k2"]; !ok {
		t.Fatalf("expected error cache entry for k2")
	}
}
