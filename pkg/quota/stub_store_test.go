package quota

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubStore struct {
	mu       sync.Mutex
	accounts map[int64]Account
	receipts []Receipt

	getAccountError    error
	createAccountError error
	resetAccountError  error
	debitAccountError  error
	creditAccountError error
	insertReceiptError error
	listReceiptsError  error

	// createAccountRace is a row committed by another writer; CreateAccount reports ErrAccountExists.
	createAccountRace Account

	resetCalls  int
	creditCalls int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{accounts: make(map[int64]Account)}
}

func (store *stubStore) seed(test *testing.T, account Account) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[account.UserID().Int64()] = account
}

func (store *stubStore) mustAccount(test *testing.T, userID UserID) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID.Int64()]
	if !ok {
		test.Fatalf("account %s not found", userID)
	}
	return account
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	snapshot := make(map[int64]Account, len(store.accounts))
	for key, account := range store.accounts {
		snapshot[key] = account
	}
	receipts := append([]Receipt(nil), store.receipts...)
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.accounts = snapshot
		store.receipts = receipts
		if raced := store.createAccountRace; raced.UserID().Int64() != 0 {
			store.accounts[raced.UserID().Int64()] = raced
		}
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID.Int64()]
	if !ok {
		return Account{}, WrapError("store", "account", "get", ErrAccountNotFound)
	}
	return account, nil
}

func (store *stubStore) CreateAccount(_ context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createAccountError != nil {
		return store.createAccountError
	}
	if raced := store.createAccountRace; raced.UserID().Int64() != 0 {
		store.accounts[raced.UserID().Int64()] = raced
		return WrapError("store", "account", "duplicate", ErrAccountExists)
	}
	if _, ok := store.accounts[account.UserID().Int64()]; ok {
		return ErrAccountExists
	}
	store.accounts[account.UserID().Int64()] = account
	return nil
}

func (store *stubStore) ResetAccount(_ context.Context, userID UserID, credits Credits, today CalendarDate) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.resetCalls++
	if store.resetAccountError != nil {
		return store.resetAccountError
	}
	account, ok := store.accounts[userID.Int64()]
	if !ok || account.lastResetDate == today {
		return nil
	}
	account.credits = credits
	account.lastResetDate = today
	store.accounts[userID.Int64()] = account
	return nil
}

func (store *stubStore) DebitAccount(_ context.Context, userID UserID, amount Credits) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.debitAccountError != nil {
		return store.debitAccountError
	}
	account, ok := store.accounts[userID.Int64()]
	if !ok {
		return ErrAccountNotFound
	}
	if account.credits < amount {
		return ErrInsufficientCredits
	}
	account.credits -= amount
	store.accounts[userID.Int64()] = account
	return nil
}

func (store *stubStore) CreditAccount(_ context.Context, userID UserID, credits Credits, referrals int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.creditCalls++
	if store.creditAccountError != nil {
		return false, store.creditAccountError
	}
	account, ok := store.accounts[userID.Int64()]
	if !ok {
		return false, nil
	}
	account.credits += credits
	account.referrals += referrals
	store.accounts[userID.Int64()] = account
	return true, nil
}

func (store *stubStore) InsertReceipt(_ context.Context, receipt Receipt) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertReceiptError != nil {
		return store.insertReceiptError
	}
	store.receipts = append(store.receipts, receipt)
	return nil
}

func (store *stubStore) ListReceipts(_ context.Context, userID UserID, limit int) ([]Receipt, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listReceiptsError != nil {
		return nil, store.listReceiptsError
	}
	matching := make([]Receipt, 0, len(store.receipts))
	for _, receipt := range store.receipts {
		if receipt.UserID() == userID {
			matching = append(matching, receipt)
		}
	}
	sort.SliceStable(matching, func(left, right int) bool {
		return matching[left].CreatedAt().After(matching[right].CreatedAt())
	})
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

func (store *stubStore) Ping(context.Context) error {
	return nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (clock *fixedClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fixedClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func mustNewService(test *testing.T, store Store, clock *fixedClock, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithLocation(time.UTC)}, options...)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw int64) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustDate(test *testing.T, raw string) CalendarDate {
	test.Helper()
	date, err := ParseCalendarDate(raw)
	if err != nil {
		test.Fatalf("calendar date: %v", err)
	}
	return date
}

func mustAccount(test *testing.T, userID int64, credits Credits, referrals int64, lastReset string) Account {
	test.Helper()
	account, err := NewAccount(mustUserID(test, userID), credits, referrals, mustDate(test, lastReset))
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	return account
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
