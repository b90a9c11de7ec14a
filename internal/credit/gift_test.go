package credit

import (
	"context"
	"errors"
	"testing"

	"github.com/tutorloop/ledger/pkg/ledger"
	"github.com/tutorloop/ledger/pkg/ledger/ledgertest"
)

func registerRecipient(test *testing.T, store *ledgertest.Store, learnerID ledger.LearnerID, email string) ledger.AccountID {
	test.Helper()
	accountID, err := store.GetOrCreateAccountID(context.Background(), learnerID)
	if err != nil {
		test.Fatalf("recipient account: %v", err)
	}
	if err := store.RegisterEmail(context.Background(), accountID, email); err != nil {
		test.Fatalf("register email: %v", err)
	}
	return accountID
}

func TestTransferGiftDeliversToKnownRecipient(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	service := mustService(test, store)
	purchaserID := mustLearnerID(test, "gift-purchaser")
	recipientID := mustLearnerID(test, "gift-recipient")
	registerRecipient(test, store, recipientID, "friend@example.com")

	receipt, err := service.TransferGift(context.Background(), purchaserID, "Friend@Example.com ", mustCredits(test, 5), "pay-gift-1")
	if err != nil {
		test.Fatalf("gift: %v", err)
	}
	if !receipt.Resolved {
		test.Fatalf("expected resolved gift, got %+v", receipt)
	}

	// Gift funding is external: the purchaser's balances never move.
	if balances := mustBalances(test, service, purchaserID); balances.Credits != 0 || balances.WalletCents != 0 {
		test.Fatalf("purchaser balances must stay untouched, got %+v", balances)
	}
	if balances := mustBalances(test, service, recipientID); balances.Credits != 5 {
		test.Fatalf("expected recipient +5 credits, got %d", balances.Credits)
	}

	sent := store.EntriesForKind(ledger.KindCreditGiftSent)
	received := store.EntriesForKind(ledger.KindCreditGiftReceived)
	if len(sent) != 1 || len(received) != 1 {
		test.Fatalf("expected one sent and one received entry, got %d/%d", len(sent), len(received))
	}
	if sent[0].Kind.Domain() != ledger.DomainNone {
		test.Fatalf("gift-sent must be audit-only")
	}

	gift, found, err := store.GetGiftTransferByPaymentID(context.Background(), "pay-gift-1")
	if err != nil || !found {
		test.Fatalf("gift record: found=%t err=%v", found, err)
	}
	if gift.Status != ledger.GiftStatusResolved || gift.RecipientAccountID == nil {
		test.Fatalf("expected resolved gift record, got %+v", gift)
	}
	if gift.RecipientEmail != "friend@example.com" {
		test.Fatalf("expected normalized email, got %q", gift.RecipientEmail)
	}
}

func TestTransferGiftToUnknownRecipientStaysUnresolved(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	service := mustService(test, store)
	purchaserID := mustLearnerID(test, "lonely-purchaser")

	receipt, err := service.TransferGift(context.Background(), purchaserID, "nobody@example.com", mustCredits(test, 5), "pay-gift-2")
	if err != nil {
		test.Fatalf("gift: %v", err)
	}
	if receipt.Resolved {
		test.Fatalf("expected unresolved gift, got %+v", receipt)
	}
	if entries := store.EntriesForKind(ledger.KindCreditGiftReceived); len(entries) != 0 {
		test.Fatalf("unresolved gift must not write a received entry, got %d", len(entries))
	}
	gift, found, err := store.GetGiftTransferByPaymentID(context.Background(), "pay-gift-2")
	if err != nil || !found {
		test.Fatalf("gift record: found=%t err=%v", found, err)
	}
	if gift.Status != ledger.GiftStatusUnresolved || gift.RecipientAccountID != nil {
		test.Fatalf("expected unresolved gift record, got %+v", gift)
	}
}

func TestTransferGiftRetriedPaymentResolvesToOriginal(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	service := mustService(test, store)
	purchaserID := mustLearnerID(test, "retry-purchaser")
	recipientID := mustLearnerID(test, "retry-recipient")
	registerRecipient(test, store, recipientID, "twice@example.com")

	first, err := service.TransferGift(context.Background(), purchaserID, "twice@example.com", mustCredits(test, 5), "pay-gift-3")
	if err != nil {
		test.Fatalf("first gift: %v", err)
	}
	second, err := service.TransferGift(context.Background(), purchaserID, "twice@example.com", mustCredits(test, 5), "pay-gift-3")
	if err != nil {
		test.Fatalf("retried gift: %v", err)
	}
	if !second.Receipt.Deduplicated || second.GiftID != first.GiftID || !second.Resolved {
		test.Fatalf("expected retried payment to resolve to original gift, got %+v", second)
	}
	if balances := mustBalances(test, service, recipientID); balances.Credits != 5 {
		test.Fatalf("retried webhook must not double-gift, got %d", balances.Credits)
	}
}

func TestTransferGiftRejectsInvalidEmail(test *testing.T) {
	test.Parallel()
	service := mustService(test, ledgertest.NewStore())
	_, err := service.TransferGift(context.Background(), mustLearnerID(test, "email-purchaser"), "not-an-email", mustCredits(test, 5), "pay-gift-4")
	if !errors.Is(err, ledger.ErrInvalidEmail) {
		test.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestTransferGiftRollsBackWhenGiftRecordFails(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	service := mustService(test, store)
	purchaserID := mustLearnerID(test, "rollback-purchaser")
	recipientID := mustLearnerID(test, "rollback-recipient")
	registerRecipient(test, store, recipientID, "rollback@example.com")
	boom := errors.New("gift insert failed")
	store.Fail().CreateGiftTransfer = boom

	_, err := service.TransferGift(context.Background(), purchaserID, "rollback@example.com", mustCredits(test, 5), "pay-gift-5")
	if !errors.Is(err, boom) {
		test.Fatalf("expected injected gift error, got %v", err)
	}

	store.Fail().CreateGiftTransfer = nil
	if balances := mustBalances(test, service, recipientID); balances.Credits != 0 {
		test.Fatalf("failed gift must roll back recipient credits, got %d", balances.Credits)
	}
	if entries := store.AllEntries(); len(entries) != 0 {
		test.Fatalf("failed gift must leave no entries, got %d", len(entries))
	}
}
