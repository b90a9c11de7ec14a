package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tutorloop/ledger/pkg/ledger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustLearnerID(test *testing.T, raw string) ledger.LearnerID {
	test.Helper()
	learnerID, err := ledger.NewLearnerID(raw)
	if err != nil {
		test.Fatalf("learner id %q: %v", raw, err)
	}
	return learnerID
}

func mustAccount(test *testing.T, store *Store, learner string) ledger.AccountID {
	test.Helper()
	accountID, err := store.GetOrCreateAccountID(context.Background(), mustLearnerID(test, learner))
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	return accountID
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustEntryInput(test *testing.T, accountID ledger.AccountID, kind ledger.EntryKind, amount int64, status ledger.EntryStatus, key ledger.IdempotencyKey, createdUnixUTC int64) ledger.EntryInput {
	test.Helper()
	input, err := ledger.NewEntryInput(accountID, kind, amount, status, key, "", "", ledger.MetadataJSON{}, createdUnixUTC)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return input
}

func TestGetOrCreateAccountIDIsStable(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	first := mustAccount(test, store, "learner-a")
	again := mustAccount(test, store, "learner-a")
	other := mustAccount(test, store, "learner-b")

	if first != again {
		test.Fatalf("same learner must map to one account: %s vs %s", first.String(), again.String())
	}
	if first == other {
		test.Fatalf("distinct learners must map to distinct accounts")
	}

	balances, err := store.GetBalances(context.Background(), first)
	if err != nil {
		test.Fatalf("balances: %v", err)
	}
	if balances.WalletCents != 0 || balances.Credits != 0 || balances.TrialCreditsIssued != 0 {
		test.Fatalf("new account must start at zero, got %+v", balances)
	}
}

func TestRegisterEmailAndLookup(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "email-learner")

	if err := store.RegisterEmail(context.Background(), accountID, "learner@example.com"); err != nil {
		test.Fatalf("register email: %v", err)
	}
	found, ok, err := store.FindAccountIDByEmail(context.Background(), "learner@example.com")
	if err != nil || !ok {
		test.Fatalf("lookup: ok=%t err=%v", ok, err)
	}
	if found != accountID {
		test.Fatalf("expected %s, got %s", accountID.String(), found.String())
	}
	if _, ok, err := store.FindAccountIDByEmail(context.Background(), "nobody@example.com"); err != nil || ok {
		test.Fatalf("unknown email must miss, ok=%t err=%v", ok, err)
	}

	unknown, err := ledger.NewAccountID("00000000-0000-0000-0000-000000000000")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if err := store.RegisterEmail(context.Background(), unknown, "ghost@example.com"); !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestInsertEntryDuplicateKey(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "dup-learner")
	key := mustKey(test, "dup-key")

	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.KindCreditGrant, 5, ledger.StatusConfirmed, key, 1000)); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	_, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.KindCreditGrant, 5, ledger.StatusConfirmed, key, 1001))
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	// Keyless entries never collide.
	for index := 0; index < 2; index++ {
		if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.KindCreditGrant, 5, ledger.StatusConfirmed, ledger.IdempotencyKey{}, 1002)); err != nil {
			test.Fatalf("keyless insert %d: %v", index, err)
		}
	}
}

func TestFindEntryByIdempotencyKey(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "find-learner")
	key := mustKey(test, "find-key")

	entryID, err := store.InsertEntry(context.Background(), mustEntryInput(test, accountID, ledger.KindCreditGrant, 5, ledger.StatusConfirmed, key, 1000))
	if err != nil {
		test.Fatalf("insert: %v", err)
	}
	entry, found, err := store.FindEntryByIdempotencyKey(context.Background(), key)
	if err != nil || !found {
		test.Fatalf("find: found=%t err=%v", found, err)
	}
	if entry.EntryID != entryID || entry.Amount != 5 || entry.Kind != ledger.KindCreditGrant {
		test.Fatalf("unexpected entry %+v", entry)
	}
	if _, found, err := store.FindEntryByIdempotencyKey(context.Background(), ledger.IdempotencyKey{}); err != nil || found {
		test.Fatalf("zero key must never match, found=%t err=%v", found, err)
	}
}

func TestAdjustWalletFloor(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "floor-learner")
	ctx := context.Background()

	if err := store.AdjustWallet(ctx, accountID, 100, false); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if err := store.AdjustWallet(ctx, accountID, -150, true); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balances, err := store.GetBalances(ctx, accountID)
	if err != nil {
		test.Fatalf("balances: %v", err)
	}
	if balances.WalletCents != 100 {
		test.Fatalf("failed adjust must not move the balance, got %d", balances.WalletCents)
	}
	if err := store.AdjustWallet(ctx, accountID, -100, true); err != nil {
		test.Fatalf("exact drain: %v", err)
	}

	if err := store.AdjustCredits(ctx, accountID, -1, true); !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	unknown, err := ledger.NewAccountID("11111111-1111-1111-1111-111111111111")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if err := store.AdjustWallet(ctx, unknown, 10, false); !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestTransitionEntryStatusSettlesOnce(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "settle-learner")
	ctx := context.Background()

	entryID, err := store.InsertEntry(ctx, mustEntryInput(test, accountID, ledger.KindWalletTopup, 500, ledger.StatusPending, mustKey(test, "settle-key"), 1000))
	if err != nil {
		test.Fatalf("insert: %v", err)
	}
	if err := store.TransitionEntryStatus(ctx, entryID, ledger.StatusPending, ledger.StatusConfirmed); err != nil {
		test.Fatalf("transition: %v", err)
	}
	if err := store.TransitionEntryStatus(ctx, entryID, ledger.StatusPending, ledger.StatusFailed); !errors.Is(err, ledger.ErrEntryClosed) {
		test.Fatalf("expected ErrEntryClosed, got %v", err)
	}
	if err := store.TransitionEntryStatus(ctx, entryID, ledger.StatusConfirmed, ledger.StatusPending); !errors.Is(err, ledger.ErrInvalidEntryStatus) {
		test.Fatalf("expected ErrInvalidEntryStatus, got %v", err)
	}

	missing, err := ledger.NewEntryID("22222222-2222-2222-2222-222222222222")
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}
	if err := store.TransitionEntryStatus(ctx, missing, ledger.StatusPending, ledger.StatusConfirmed); !errors.Is(err, ledger.ErrUnknownEntry) {
		test.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestListEntriesNewestFirstWithLimit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "list-learner")
	ctx := context.Background()

	for index, created := range []int64{1000, 2000, 3000} {
		amount := int64(index + 1)
		if _, err := store.InsertEntry(ctx, mustEntryInput(test, accountID, ledger.KindCreditGrant, amount, ledger.StatusConfirmed, ledger.IdempotencyKey{}, created)); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}
	entries, err := store.ListEntries(ctx, accountID, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].CreatedUnixUTC != 3000 || entries[1].CreatedUnixUTC != 2000 {
		test.Fatalf("expected newest first, got %d then %d", entries[0].CreatedUnixUTC, entries[1].CreatedUnixUTC)
	}
}

func TestSumConfirmedSplitsDomains(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "sum-learner")
	ctx := context.Background()

	inserts := []struct {
		kind   ledger.EntryKind
		amount int64
		status ledger.EntryStatus
	}{
		{ledger.KindWalletTopup, 1000, ledger.StatusConfirmed},
		{ledger.KindWalletDeduction, -300, ledger.StatusConfirmed},
		{ledger.KindWalletTopup, 500, ledger.StatusPending},
		{ledger.KindWalletTrialCredit, 1, ledger.StatusConfirmed},
		{ledger.KindCreditGrant, 5, ledger.StatusConfirmed},
		{ledger.KindCreditSpend, -1, ledger.StatusConfirmed},
	}
	for index, insert := range inserts {
		if _, err := store.InsertEntry(ctx, mustEntryInput(test, accountID, insert.kind, insert.amount, insert.status, ledger.IdempotencyKey{}, int64(1000+index))); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	walletSum, err := store.SumConfirmed(ctx, accountID, ledger.DomainWallet)
	if err != nil {
		test.Fatalf("wallet sum: %v", err)
	}
	if walletSum != 700 {
		test.Fatalf("expected wallet sum 700, got %d", walletSum)
	}
	creditSum, err := store.SumConfirmed(ctx, accountID, ledger.DomainCredits)
	if err != nil {
		test.Fatalf("credit sum: %v", err)
	}
	if creditSum != 4 {
		test.Fatalf("expected credit sum 4, got %d", creditSum)
	}
}

func TestGiftTransferRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	purchaser := mustAccount(test, store, "gift-purchaser")
	recipient := mustAccount(test, store, "gift-recipient")
	ctx := context.Background()

	entryID, err := store.InsertEntry(ctx, mustEntryInput(test, purchaser, ledger.KindCreditGiftSent, 5, ledger.StatusConfirmed, mustKey(test, "gift-sent-key"), 1000))
	if err != nil {
		test.Fatalf("insert: %v", err)
	}
	giftID, err := store.CreateGiftTransfer(ctx, ledger.GiftTransferInput{
		PurchaserAccountID: purchaser,
		RecipientEmail:     "friend@example.com",
		RecipientAccountID: &recipient,
		CreditsAmount:      5,
		ExternalPaymentID:  "pay-gift-9",
		Status:             ledger.GiftStatusResolved,
		EntryID:            entryID,
		CreatedUnixUTC:     1000,
	})
	if err != nil {
		test.Fatalf("create gift: %v", err)
	}
	if giftID == "" {
		test.Fatalf("expected gift id")
	}

	gift, found, err := store.GetGiftTransferByPaymentID(ctx, "pay-gift-9")
	if err != nil || !found {
		test.Fatalf("get gift: found=%t err=%v", found, err)
	}
	if gift.GiftID != giftID || gift.Status != ledger.GiftStatusResolved || gift.EntryID != entryID {
		test.Fatalf("unexpected gift %+v", gift)
	}
	if gift.RecipientAccountID == nil || *gift.RecipientAccountID != recipient {
		test.Fatalf("expected recipient account, got %+v", gift.RecipientAccountID)
	}
	if _, found, err := store.GetGiftTransferByPaymentID(ctx, "pay-missing"); err != nil || found {
		test.Fatalf("unknown payment must miss, found=%t err=%v", found, err)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "tx-learner")
	ctx := context.Background()
	boom := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if err := txStore.AdjustWallet(ctx, accountID, 100, false); err != nil {
			return err
		}
		if _, err := txStore.InsertEntry(ctx, mustEntryInput(test, accountID, ledger.KindWalletTopup, 100, ledger.StatusConfirmed, ledger.IdempotencyKey{}, 1000)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		test.Fatalf("expected abort error, got %v", err)
	}

	balances, err := store.GetBalances(ctx, accountID)
	if err != nil {
		test.Fatalf("balances: %v", err)
	}
	if balances.WalletCents != 0 {
		test.Fatalf("rollback must restore the balance, got %d", balances.WalletCents)
	}
	entries, err := store.ListEntries(ctx, accountID, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		test.Fatalf("rollback must drop the entry, got %d", len(entries))
	}
}
