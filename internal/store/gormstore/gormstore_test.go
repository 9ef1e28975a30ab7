package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "credits.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	// A single connection serializes writers; sqlite has no FOR UPDATE.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Account{}, &LedgerEntry{}, &ProcessedEvent{}); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	test.Cleanup(func() { _ = sqlDB.Close() })
	return New(db)
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	value, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustEntryInput(test *testing.T, accountID ledger.AccountID, reason ledger.EntryReason, delta int64, key string, createdUnixUTC int64) ledger.EntryInput {
	test.Helper()
	deltaCredits, err := ledger.NewDeltaCredits(delta)
	if err != nil {
		test.Fatalf("delta: %v", err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(key)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	metadata, err := ledger.NewMetadataJSON("{}")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	input, err := ledger.NewEntryInput(accountID, reason, deltaCredits, "", idempotencyKey, metadata, createdUnixUTC)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return input
}

func mustCreateAccount(test *testing.T, store *Store, accountID ledger.AccountID) {
	test.Helper()
	if _, _, err := store.GetOrCreateAccount(context.Background(), accountID, ledger.AccountKindGuest); err != nil {
		test.Fatalf("create account: %v", err)
	}
}

func TestGetOrCreateAccountIsIdempotent(test *testing.T) {
	store := openTestStore(test)
	accountID := mustAccountID(test, "device-1")

	account, created, err := store.GetOrCreateAccount(context.Background(), accountID, ledger.AccountKindGuest)
	if err != nil {
		test.Fatalf("first upsert: %v", err)
	}
	if !created {
		test.Fatal("expected first call to create the account")
	}
	if account.Kind != ledger.AccountKindGuest {
		test.Fatalf("unexpected kind: %s", account.Kind)
	}
	if account.CurrencyCode != ledger.DefaultCurrencyCode {
		test.Fatalf("unexpected currency: %s", account.CurrencyCode)
	}

	again, created, err := store.GetOrCreateAccount(context.Background(), accountID, ledger.AccountKindMember)
	if err != nil {
		test.Fatalf("second upsert: %v", err)
	}
	if created {
		test.Fatal("expected second call to find the existing account")
	}
	if again.Kind != ledger.AccountKindGuest {
		test.Fatalf("expected original kind preserved, got %s", again.Kind)
	}
}

func TestGetAccountRejectsUnknownAccount(test *testing.T) {
	store := openTestStore(test)
	accountID := mustAccountID(test, "nobody")

	_, err := store.GetAccount(context.Background(), accountID)
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestInsertEntryRejectsDuplicateKey(test *testing.T) {
	store := openTestStore(test)
	accountID := mustAccountID(test, "device-2")
	mustCreateAccount(test, store, accountID)

	first := mustEntryInput(test, accountID, ledger.ReasonAdjust, 50, "seed", 100)
	if _, err := store.InsertEntry(context.Background(), first); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	duplicate := mustEntryInput(test, accountID, ledger.ReasonAdjust, 25, "seed", 200)
	if _, err := store.InsertEntry(context.Background(), duplicate); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestInsertEntryAllowsSameKeyAcrossAccounts(test *testing.T) {
	store := openTestStore(test)
	accountOne := mustAccountID(test, "device-3a")
	accountTwo := mustAccountID(test, "device-3b")
	mustCreateAccount(test, store, accountOne)
	mustCreateAccount(test, store, accountTwo)

	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountOne, ledger.ReasonAdjust, 10, "shared", 100)); err != nil {
		test.Fatalf("first account insert: %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountTwo, ledger.ReasonAdjust, 10, "shared", 100)); err != nil {
		test.Fatalf("second account insert: %v", err)
	}
}

func TestSumBalanceAggregatesDeltas(test *testing.T) {
	store := openTestStore(test)
	accountID := mustAccountID(test, "device-4")
	mustCreateAccount(test, store, accountID)

	sum, err := store.SumBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("empty sum: %v", err)
	}
	if sum != 0 {
		test.Fatalf("expected empty balance 0, got %d", sum)
	}

	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.ReasonAdjust, 50, "seed", 100)); err != nil {
		test.Fatalf("seed insert: %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.ReasonSpend, -5, "spend-1", 200)); err != nil {
		test.Fatalf("spend insert: %v", err)
	}
	sum, err = store.SumBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 45 {
		test.Fatalf("expected 45, got %d", sum)
	}
}

func TestGetEntryScopedToAccount(test *testing.T) {
	store := openTestStore(test)
	owner := mustAccountID(test, "device-5a")
	other := mustAccountID(test, "device-5b")
	mustCreateAccount(test, store, owner)
	mustCreateAccount(test, store, other)

	entryID, err := store.InsertEntry(context.Background(), mustEntryInput(test, owner, ledger.ReasonAdjust, 10, "owned", 100))
	if err != nil {
		test.Fatalf("insert: %v", err)
	}
	ledgerEntryID, err := ledger.NewEntryID(entryID)
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}

	entry, err := store.GetEntry(context.Background(), owner, ledgerEntryID)
	if err != nil {
		test.Fatalf("get entry: %v", err)
	}
	if entry.DeltaCredits != 10 {
		test.Fatalf("unexpected delta: %d", entry.DeltaCredits)
	}

	if _, err := store.GetEntry(context.Background(), other, ledgerEntryID); !errors.Is(err, ledger.ErrUnknownEntry) {
		test.Fatalf("expected ErrUnknownEntry across accounts, got %v", err)
	}
}

func TestFindEntryByKeyReportsPresence(test *testing.T) {
	store := openTestStore(test)
	accountID := mustAccountID(test, "device-6")
	mustCreateAccount(test, store, accountID)

	key, err := ledger.NewIdempotencyKey("refund:entry-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	_, found, err := store.FindEntryByKey(context.Background(), accountID, key)
	if err != nil {
		test.Fatalf("find missing: %v", err)
	}
	if found {
		test.Fatal("expected no entry before insert")
	}

	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.ReasonRefund, 5, "refund:entry-1", 100)); err != nil {
		test.Fatalf("insert: %v", err)
	}
	entry, found, err := store.FindEntryByKey(context.Background(), accountID, key)
	if err != nil {
		test.Fatalf("find existing: %v", err)
	}
	if !found {
		test.Fatal("expected entry after insert")
	}
	if entry.Reason != ledger.ReasonRefund {
		test.Fatalf("unexpected reason: %s", entry.Reason)
	}
}

func TestMarkEventProcessedDetectsReplay(test *testing.T) {
	store := openTestStore(test)
	eventID, err := ledger.NewEventID("evt-1")
	if err != nil {
		test.Fatalf("event id: %v", err)
	}

	if err := store.MarkEventProcessed(context.Background(), eventID, 100); err != nil {
		test.Fatalf("first mark: %v", err)
	}
	if err := store.MarkEventProcessed(context.Background(), eventID, 200); !errors.Is(err, ledger.ErrEventAlreadyProcessed) {
		test.Fatalf("expected ErrEventAlreadyProcessed, got %v", err)
	}
}

func TestListEntriesHonorsCutoffAndLimit(test *testing.T) {
	store := openTestStore(test)
	accountID := mustAccountID(test, "device-7")
	mustCreateAccount(test, store, accountID)

	for index, createdUnixUTC := range []int64{100, 200, 300} {
		key := fmt.Sprintf("entry-%d", index)
		if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.ReasonAdjust, 10, key, createdUnixUTC)); err != nil {
			test.Fatalf("insert %s: %v", key, err)
		}
	}

	entries, err := store.ListEntries(context.Background(), accountID, 301, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].CreatedUnixUTC != 300 || entries[1].CreatedUnixUTC != 200 {
		test.Fatalf("expected newest first, got %d then %d", entries[0].CreatedUnixUTC, entries[1].CreatedUnixUTC)
	}

	older, err := store.ListEntries(context.Background(), accountID, 200, 10)
	if err != nil {
		test.Fatalf("list before cutoff: %v", err)
	}
	if len(older) != 1 || older[0].CreatedUnixUTC != 100 {
		test.Fatalf("expected only the oldest entry, got %+v", older)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	store := openTestStore(test)
	accountID := mustAccountID(test, "device-8")
	mustCreateAccount(test, store, accountID)

	rollbackErr := errors.New("force rollback")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.InsertEntry(ctx, mustEntryInput(test, accountID, ledger.ReasonAdjust, 50, "doomed", 100)); err != nil {
			return err
		}
		return rollbackErr
	})
	if !errors.Is(err, rollbackErr) {
		test.Fatalf("expected rollback error, got %v", err)
	}

	sum, err := store.SumBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		test.Fatalf("expected rolled-back balance 0, got %d", sum)
	}
}

func TestConcurrentSpendsNeverOverdraw(test *testing.T) {
	store := openTestStore(test)
	service, err := ledger.NewService(store,
		func() int64 { return 100 },
		ledger.DefaultGrants{GuestCredits: 10, MemberCredits: 10})
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	accountID := mustAccountID(test, "device-9")
	if _, err := service.Balance(context.Background(), accountID, ledger.AccountKindGuest); err != nil {
		test.Fatalf("seed balance: %v", err)
	}

	amount, err := ledger.NewAmountCredits(5)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	metadata, err := ledger.NewMetadataJSON("{}")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}

	const attempts = 5
	var waitGroup sync.WaitGroup
	results := make(chan error, attempts)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func(attempt int) {
			defer waitGroup.Done()
			key, keyErr := ledger.NewIdempotencyKey(fmt.Sprintf("concurrent-%d", attempt))
			if keyErr != nil {
				results <- keyErr
				return
			}
			_, spendErr := service.Spend(context.Background(), accountID, amount, key, metadata)
			results <- spendErr
		}(index)
	}
	waitGroup.Wait()
	close(results)

	succeeded := 0
	for spendErr := range results {
		if spendErr == nil {
			succeeded++
			continue
		}
		if !errors.Is(spendErr, ledger.ErrInsufficientBalance) {
			test.Fatalf("unexpected spend error: %v", spendErr)
		}
	}
	if succeeded != 2 {
		test.Fatalf("expected exactly 2 successful spends of 5 from 10, got %d", succeeded)
	}

	balance, err := service.Balance(context.Background(), accountID, ledger.AccountKindGuest)
	if err != nil {
		test.Fatalf("final balance: %v", err)
	}
	if balance.Credits != 0 {
		test.Fatalf("expected drained balance 0, got %d", balance.Credits)
	}
}
