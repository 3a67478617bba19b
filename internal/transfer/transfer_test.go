package transfer

import (
	"context"
	"testing"
	"time"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/cachekv"
	"p2pwallet/internal/clock"
	"p2pwallet/internal/config"
	"p2pwallet/internal/idempotency"
	"p2pwallet/internal/limit"
	"p2pwallet/internal/models"
	"p2pwallet/internal/store"
	"p2pwallet/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// -- wallet.Repo / wallet.Cache / wallet.LeaseFactory fakes --

type fakeWalletRepo struct {
	wallets map[uuid.UUID]*models.Wallet
}

func newFakeWalletRepo(ws ...*models.Wallet) *fakeWalletRepo {
	r := &fakeWalletRepo{wallets: map[uuid.UUID]*models.Wallet{}}
	for _, w := range ws {
		r.wallets[w.ID] = w
	}
	return r
}

func (r *fakeWalletRepo) Create(ctx context.Context, tx *gorm.DB, w *models.Wallet) error {
	r.wallets[w.ID] = w
	return nil
}

func (r *fakeWalletRepo) GetByID(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	w, ok := r.wallets[walletID]
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *fakeWalletRepo) GetForUpdate(ctx context.Context, tx *gorm.DB, walletID uuid.UUID) (*models.Wallet, error) {
	return r.GetByID(ctx, walletID)
}

func (r *fakeWalletRepo) ApplyDelta(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, delta decimal.Decimal) error {
	w, ok := r.wallets[walletID]
	if !ok {
		return store.ErrWalletNotFound
	}
	if delta.IsNegative() && w.Balance.LessThan(delta.Neg()) {
		return store.ErrInsufficientBalance
	}
	w.Balance = w.Balance.Add(delta)
	return nil
}

func (r *fakeWalletRepo) SetBalanceAbsolute(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, balance decimal.Decimal) error {
	w, ok := r.wallets[walletID]
	if !ok {
		return store.ErrWalletNotFound
	}
	w.Balance = balance
	return nil
}

type fakeWalletCache struct {
	entries map[string]cachekv.VersionedBalance
}

func newFakeWalletCache() *fakeWalletCache {
	return &fakeWalletCache{entries: map[string]cachekv.VersionedBalance{}}
}

func (c *fakeWalletCache) GetVersionedBalance(ctx context.Context, walletID string) (cachekv.VersionedBalance, bool, error) {
	vb, ok := c.entries[walletID]
	return vb, ok, nil
}

func (c *fakeWalletCache) SetVersionedBalance(ctx context.Context, walletID, balance string, version int64, ttl time.Duration) error {
	c.entries[walletID] = cachekv.VersionedBalance{Balance: balance, Version: version, LastUpdated: time.Now()}
	return nil
}

func (c *fakeWalletCache) CompareAndSwapVersionedBalance(ctx context.Context, walletID string, expectedVersion int64, newBalance string, newVersion int64, ttl time.Duration) (bool, error) {
	cur, ok := c.entries[walletID]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	c.entries[walletID] = cachekv.VersionedBalance{Balance: newBalance, Version: newVersion, LastUpdated: time.Now()}
	return true, nil
}

func (c *fakeWalletCache) InvalidateVersionedBalance(ctx context.Context, walletID string) error {
	delete(c.entries, walletID)
	return nil
}

type noopLease struct{}

func (noopLease) Acquire(ctx context.Context, retryInterval, timeout time.Duration) error { return nil }
func (noopLease) Release(ctx context.Context) error                                       { return nil }

type fakeLeaseFactory struct{}

func (fakeLeaseFactory) NewWalletLease(walletID string, expiration time.Duration) wallet.Lease {
	return noopLease{}
}

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

type fakeRecorder struct{}

func (fakeRecorder) Create(ctx context.Context, tx *gorm.DB, t *models.Transaction) error { return nil }

// -- limit.Repo / limit.Cache fakes --

type fakeLimitRepo struct {
	ledgers map[uuid.UUID]*models.LimitLedger
}

func (r *fakeLimitRepo) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID, defaultDaily, defaultMonthly decimal.Decimal, today time.Time) (*models.LimitLedger, error) {
	if l, ok := r.ledgers[userID]; ok {
		cp := *l
		return &cp, nil
	}
	l := &models.LimitLedger{ID: uuid.New(), UserID: userID, DailyLimit: defaultDaily, MonthlyLimit: defaultMonthly, LastDailyReset: today, LastMonthlyReset: today}
	r.ledgers[userID] = l
	cp := *l
	return &cp, nil
}

func (r *fakeLimitRepo) ApplyReset(ctx context.Context, tx *gorm.DB, id uuid.UUID, dailyUsed, monthlyUsed decimal.Decimal, lastDailyReset, lastMonthlyReset time.Time) error {
	for _, l := range r.ledgers {
		if l.ID == id {
			l.DailyUsed, l.MonthlyUsed, l.LastDailyReset, l.LastMonthlyReset = dailyUsed, monthlyUsed, lastDailyReset, lastMonthlyReset
		}
	}
	return nil
}

func (r *fakeLimitRepo) IncrementUsage(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error {
	l, ok := r.ledgers[userID]
	if !ok {
		return store.ErrLimitLedgerNotFound
	}
	l.DailyUsed = l.DailyUsed.Add(amount)
	l.MonthlyUsed = l.MonthlyUsed.Add(amount)
	return nil
}

func (r *fakeLimitRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.LimitLedger, error) {
	l, ok := r.ledgers[userID]
	if !ok {
		return nil, store.ErrLimitLedgerNotFound
	}
	cp := *l
	return &cp, nil
}

type fakeLimitCache struct{}

func (fakeLimitCache) SetDailyUsage(ctx context.Context, userID, used string, ttl time.Duration) error   { return nil }
func (fakeLimitCache) SetMonthlyUsage(ctx context.Context, userID, used string, ttl time.Duration) error { return nil }
func (fakeLimitCache) InvalidateUsageCounters(ctx context.Context, userID string) error                  { return nil }

// -- idempotency.Cache fake --

type fakeIdempotencyCache struct {
	results map[string][]byte
	errs    map[string][]byte
	hashes  map[string]cachekv.RequestHashEntry
}

func newFakeIdempotencyCache() *fakeIdempotencyCache {
	return &fakeIdempotencyCache{results: map[string][]byte{}, errs: map[string][]byte{}, hashes: map[string]cachekv.RequestHashEntry{}}
}

func (c *fakeIdempotencyCache) GetResult(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.results[key]
	return v, ok, nil
}
func (c *fakeIdempotencyCache) SetResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	c.results[key] = payload
	return nil
}
func (c *fakeIdempotencyCache) GetError(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.errs[key]
	return v, ok, nil
}
func (c *fakeIdempotencyCache) SetError(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	c.errs[key] = payload
	return nil
}
func (c *fakeIdempotencyCache) GetRequestHash(ctx context.Context, hash string) (cachekv.RequestHashEntry, bool, error) {
	v, ok := c.hashes[hash]
	return v, ok, nil
}
func (c *fakeIdempotencyCache) SetRequestHash(ctx context.Context, hash string, entry cachekv.RequestHashEntry, ttl time.Duration) error {
	c.hashes[hash] = entry
	return nil
}

// -- transfer.TransactionRepo / OutboxRepo fakes --

type fakeTxRepo struct {
	byID  map[uuid.UUID]*models.Transaction
	byKey map[string]*models.Transaction
}

func newFakeTxRepo() *fakeTxRepo {
	return &fakeTxRepo{byID: map[uuid.UUID]*models.Transaction{}, byKey: map[string]*models.Transaction{}}
}

func (r *fakeTxRepo) Create(ctx context.Context, tx *gorm.DB, t *models.Transaction) error {
	if t.IdempotencyKey != nil {
		if _, exists := r.byKey[*t.IdempotencyKey]; exists {
			return store.ErrIdempotencyKeyExists
		}
	}
	r.byID[t.ID] = t
	if t.IdempotencyKey != nil {
		r.byKey[*t.IdempotencyKey] = t
	}
	return nil
}

func (r *fakeTxRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Transaction, error) {
	t, ok := r.byID[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTxRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return r.byKey[key], nil
}

func (r *fakeTxRepo) UpdateSagaProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, state models.SagaState, transferState models.TransferState, status models.TransactionStatus) error {
	t := r.byID[id]
	t.SagaState = state
	t.TransferState = transferState
	t.Status = status
	return nil
}

func (r *fakeTxRepo) UpdateSagaState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state models.SagaState) error {
	r.byID[id].SagaState = state
	return nil
}

func (r *fakeTxRepo) SetReservation(ctx context.Context, tx *gorm.DB, id uuid.UUID, amount decimal.Decimal, expiry time.Time) error {
	t := r.byID[id]
	t.ReservedAmount = amount
	t.ReservationExpiry = &expiry
	return nil
}

func (r *fakeTxRepo) ClearReservation(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	t := r.byID[id]
	t.ReservedAmount = decimal.Zero
	t.ReservationExpiry = nil
	return nil
}

func (r *fakeTxRepo) SetSourceBalanceBefore(ctx context.Context, tx *gorm.DB, id uuid.UUID, before decimal.Decimal) error {
	r.byID[id].SourceBalanceBefore = &before
	return nil
}

func (r *fakeTxRepo) SetDestinationBalanceBefore(ctx context.Context, tx *gorm.DB, id uuid.UUID, before decimal.Decimal) error {
	r.byID[id].DestinationBalanceBefore = &before
	return nil
}

func (r *fakeTxRepo) FinalizeSuccess(ctx context.Context, tx *gorm.DB, id uuid.UUID, sourceAfter, destAfter decimal.Decimal, state models.SagaState, now time.Time) error {
	t := r.byID[id]
	t.Status = models.StatusCompleted
	t.TransferState = models.StateCompleted
	t.SourceBalanceAfter = &sourceAfter
	t.DestinationBalanceAfter = &destAfter
	t.SagaState = state
	t.CompletedAt = &now
	return nil
}

func (r *fakeTxRepo) FinalizeFailure(ctx context.Context, tx *gorm.DB, id uuid.UUID, transferState models.TransferState, detail models.ErrorDetail, state models.SagaState, now time.Time) error {
	t := r.byID[id]
	t.Status = models.StatusFailed
	t.TransferState = transferState
	t.ErrorDetail = &detail
	t.SagaState = state
	return nil
}

func (r *fakeTxRepo) IncrementRetryCount(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.byID[id].RetryCount++
	return nil
}

func (r *fakeTxRepo) ResetForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	t := r.byID[id]
	t.Status = models.StatusPending
	t.TransferState = models.StateInitiated
	t.ErrorDetail = nil
	t.ReservedAmount = decimal.Zero
	t.ReservationExpiry = nil
	return nil
}

type fakeOutboxRepo struct {
	created []*models.OutboxMessage
}

func (r *fakeOutboxRepo) Create(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error {
	r.created = append(r.created, msg)
	return nil
}

// -- test harness --

type harness struct {
	wallets *fakeWalletRepo
	txRepo  *fakeTxRepo
	outbox  *fakeOutboxRepo
	svc     *Service
}

func newHarness(sourceBalance, limitDaily, limitMonthly decimal.Decimal, source, dest *models.Wallet) *harness {
	walletRepo := newFakeWalletRepo(source, dest)
	wm := wallet.New(walletRepo, newFakeWalletCache(), fakeLeaseFactory{}, fakeTxRunner{}, fakeRecorder{}, clock.Real{}, time.Minute, config.LockConfig{
		WriteTimeout: time.Second, ReadTimeout: time.Second,
	})

	limitRepo := &fakeLimitRepo{ledgers: map[uuid.UUID]*models.LimitLedger{
		source.OwnerID: {ID: uuid.New(), UserID: source.OwnerID, DailyLimit: limitDaily, MonthlyLimit: limitMonthly, LastDailyReset: time.Now(), LastMonthlyReset: time.Now()},
	}}
	ll := limit.New(limitRepo, fakeLimitCache{}, fakeTxRunner{}, clock.Real{}, limitDaily, limitMonthly, time.Minute, time.Hour)

	txRepo := newFakeTxRepo()
	gate := idempotency.New(txRepo, newFakeIdempotencyCache(), clock.Real{}, time.Hour, 5*time.Minute, 30*time.Minute)

	outbox := &fakeOutboxRepo{}
	svc := New(wm, ll, gate, fakeTxRunner{}, txRepo, outbox, clock.Real{}, "transfer-events")

	return &harness{wallets: walletRepo, txRepo: txRepo, outbox: outbox, svc: svc}
}

func TestTransferHappyPathCompletesAndCommitsUsage(t *testing.T) {
	owner := uuid.New()
	source := &models.Wallet{ID: uuid.New(), OwnerID: owner, Balance: decimal.NewFromInt(1000), Currency: models.USD, Active: true}
	dest := &models.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Balance: decimal.Zero, Currency: models.USD, Active: true}
	h := newHarness(decimal.NewFromInt(1000), decimal.NewFromInt(10000), decimal.NewFromInt(100000), source, dest)

	resp, err := h.svc.Transfer(context.Background(), Request{
		CallerID: owner, SourceWalletID: source.ID, DestinationWalletID: dest.ID,
		Amount: decimal.NewFromInt(100), IdempotencyKey: "key-1", Endpoint: "/wallets/x/transfer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED status, got %s", resp.Status)
	}
	if !h.wallets.wallets[source.ID].Balance.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("expected source balance 900, got %s", h.wallets.wallets[source.ID].Balance)
	}
	if !h.wallets.wallets[dest.ID].Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected destination balance 100, got %s", h.wallets.wallets[dest.ID].Balance)
	}
	if len(h.outbox.created) != 1 {
		t.Fatalf("expected 1 outbox message, got %d", len(h.outbox.created))
	}
}

func TestTransferRejectsSameWallet(t *testing.T) {
	owner := uuid.New()
	w := &models.Wallet{ID: uuid.New(), OwnerID: owner, Balance: decimal.NewFromInt(100), Currency: models.USD, Active: true}
	h := newHarness(decimal.NewFromInt(100), decimal.NewFromInt(10000), decimal.NewFromInt(100000), w, w)

	_, err := h.svc.Transfer(context.Background(), Request{
		CallerID: owner, SourceWalletID: w.ID, DestinationWalletID: w.ID, Amount: decimal.NewFromInt(10), Endpoint: "/x",
	})
	if apperr.KindOf(err) != apperr.KindInvalidRequest {
		t.Fatalf("expected KindInvalidRequest, got %v", err)
	}
}

func TestTransferRejectsCallerWhoDoesNotOwnSourceWallet(t *testing.T) {
	owner := uuid.New()
	stranger := uuid.New()
	source := &models.Wallet{ID: uuid.New(), OwnerID: owner, Balance: decimal.NewFromInt(1000), Currency: models.USD, Active: true}
	dest := &models.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Balance: decimal.Zero, Currency: models.USD, Active: true}
	h := newHarness(decimal.NewFromInt(1000), decimal.NewFromInt(10000), decimal.NewFromInt(100000), source, dest)

	_, err := h.svc.Transfer(context.Background(), Request{
		CallerID: stranger, SourceWalletID: source.ID, DestinationWalletID: dest.ID,
		Amount: decimal.NewFromInt(100), Endpoint: "/x",
	})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected KindNotFound for a non-owner caller, got %v", err)
	}
	if !h.wallets.wallets[source.ID].Balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected source balance untouched, got %s", h.wallets.wallets[source.ID].Balance)
	}
}

func TestTransferInsufficientFundsCompensatesAndFinalizesFailed(t *testing.T) {
	owner := uuid.New()
	source := &models.Wallet{ID: uuid.New(), OwnerID: owner, Balance: decimal.NewFromInt(10), Currency: models.USD, Active: true}
	dest := &models.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Balance: decimal.Zero, Currency: models.USD, Active: true}
	h := newHarness(decimal.NewFromInt(10), decimal.NewFromInt(10000), decimal.NewFromInt(100000), source, dest)

	_, err := h.svc.Transfer(context.Background(), Request{
		CallerID: owner, SourceWalletID: source.ID, DestinationWalletID: dest.ID,
		Amount: decimal.NewFromInt(500), IdempotencyKey: "key-2", Endpoint: "/x",
	})
	if apperr.KindOf(err) != apperr.KindInsufficientFunds {
		t.Fatalf("expected KindInsufficientFunds, got %v", err)
	}
	stored := h.txRepo.byKey["key-2"]
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected FAILED status recorded, got %s", stored.Status)
	}
	if !h.wallets.wallets[dest.ID].Balance.Equal(decimal.Zero) {
		t.Fatalf("expected destination balance untouched at 0, got %s", h.wallets.wallets[dest.ID].Balance)
	}
}

func TestTransferOverLimitFinalizesWithoutRunningSaga(t *testing.T) {
	owner := uuid.New()
	source := &models.Wallet{ID: uuid.New(), OwnerID: owner, Balance: decimal.NewFromInt(10000), Currency: models.USD, Active: true}
	dest := &models.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Balance: decimal.Zero, Currency: models.USD, Active: true}
	h := newHarness(decimal.NewFromInt(10000), decimal.NewFromInt(50), decimal.NewFromInt(50), source, dest)

	_, err := h.svc.Transfer(context.Background(), Request{
		CallerID: owner, SourceWalletID: source.ID, DestinationWalletID: dest.ID,
		Amount: decimal.NewFromInt(100), IdempotencyKey: "key-3", Endpoint: "/x",
	})
	if apperr.KindOf(err) != apperr.KindLimitExceeded {
		t.Fatalf("expected KindLimitExceeded, got %v", err)
	}
	if !h.wallets.wallets[source.ID].Balance.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected source balance untouched, since limit check precedes the saga, got %s", h.wallets.wallets[source.ID].Balance)
	}
}

func TestTransferIdempotentReplayReturnsSameResult(t *testing.T) {
	owner := uuid.New()
	source := &models.Wallet{ID: uuid.New(), OwnerID: owner, Balance: decimal.NewFromInt(1000), Currency: models.USD, Active: true}
	dest := &models.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Balance: decimal.Zero, Currency: models.USD, Active: true}
	h := newHarness(decimal.NewFromInt(1000), decimal.NewFromInt(10000), decimal.NewFromInt(100000), source, dest)

	req := Request{CallerID: owner, SourceWalletID: source.ID, DestinationWalletID: dest.ID, Amount: decimal.NewFromInt(100), IdempotencyKey: "key-4", Endpoint: "/x"}
	first, err := h.svc.Transfer(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on first attempt: %v", err)
	}
	second, err := h.svc.Transfer(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return the same transaction id")
	}
	if !h.wallets.wallets[source.ID].Balance.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("expected the replay not to debit twice, got %s", h.wallets.wallets[source.ID].Balance)
	}
}
