package renewal

import (
	"context"
	"errors"
	"testing"

	"github.com/tutorloop/ledger/internal/credit"
	"github.com/tutorloop/ledger/pkg/ledger"
	"github.com/tutorloop/ledger/pkg/ledger/ledgertest"
)

type stubPlanSource struct {
	planCredits int64
	hasPlan     bool
	rollover    bool
	planErr     error
	rolloverErr error
}

func (source stubPlanSource) PlanCredits(context.Context, ledger.LearnerID) (int64, bool, error) {
	return source.planCredits, source.hasPlan, source.planErr
}

func (source stubPlanSource) RolloverEnabled(context.Context) (bool, error) {
	return source.rollover, source.rolloverErr
}

func mustCreditService(test *testing.T, store ledger.Store) *credit.Service {
	test.Helper()
	service, err := credit.NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("credit service: %v", err)
	}
	return service
}

func mustLearnerID(test *testing.T, raw string) ledger.LearnerID {
	test.Helper()
	learnerID, err := ledger.NewLearnerID(raw)
	if err != nil {
		test.Fatalf("learner id %q: %v", raw, err)
	}
	return learnerID
}

func mustIdemKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func seedCredits(test *testing.T, credits *credit.Service, learnerID ledger.LearnerID, amount int64) {
	test.Helper()
	creditAmount, err := ledger.NewCreditAmount(amount)
	if err != nil {
		test.Fatalf("credit amount %d: %v", amount, err)
	}
	if _, err := credits.Grant(context.Background(), learnerID, creditAmount, ledger.KindCreditGrant, "seed", ledger.IdempotencyKey{}); err != nil {
		test.Fatalf("seed grant: %v", err)
	}
}

func creditBalance(test *testing.T, credits *credit.Service, learnerID ledger.LearnerID) int64 {
	test.Helper()
	balances, err := credits.Balances(context.Background(), learnerID)
	if err != nil {
		test.Fatalf("balances: %v", err)
	}
	return balances.Credits
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	credits := mustCreditService(test, ledgertest.NewStore())
	if _, err := NewService(nil, stubPlanSource{}); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil credits, got %v", err)
	}
	if _, err := NewService(credits, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil plans, got %v", err)
	}
}

func TestRenewResetDiscardsUnusedCredits(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	credits := mustCreditService(test, store)
	learnerID := mustLearnerID(test, "reset-learner")
	seedCredits(test, credits, learnerID, 7)

	service, err := NewService(credits, stubPlanSource{planCredits: 20, hasPlan: true})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	outcome, err := service.Renew(context.Background(), learnerID, mustIdemKey(test, "cycle-reset"))
	if err != nil {
		test.Fatalf("renew: %v", err)
	}
	if outcome.Skipped || outcome.RolledOver {
		test.Fatalf("expected reset outcome, got %+v", outcome)
	}
	if outcome.Delta != 13 {
		test.Fatalf("expected delta +13 for 7 to 20, got %d", outcome.Delta)
	}
	if balance := creditBalance(test, credits, learnerID); balance != 20 {
		test.Fatalf("expected exact plan balance 20, got %d", balance)
	}
	entries := store.EntriesForKind(ledger.KindSubscriptionRenewal)
	if len(entries) != 1 || entries[0].Amount != 13 {
		test.Fatalf("expected one +13 renewal entry, got %+v", entries)
	}
}

func TestRenewRolloverKeepsUnusedCredits(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	credits := mustCreditService(test, store)
	learnerID := mustLearnerID(test, "rollover-learner")
	seedCredits(test, credits, learnerID, 7)

	service, err := NewService(credits, stubPlanSource{planCredits: 20, hasPlan: true, rollover: true})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	outcome, err := service.Renew(context.Background(), learnerID, mustIdemKey(test, "cycle-rollover"))
	if err != nil {
		test.Fatalf("renew: %v", err)
	}
	if !outcome.RolledOver || outcome.Delta != 20 {
		test.Fatalf("expected rollover with delta +20, got %+v", outcome)
	}
	if balance := creditBalance(test, credits, learnerID); balance != 27 {
		test.Fatalf("expected 7 plus 20, got %d", balance)
	}
	entries := store.EntriesForKind(ledger.KindSubscriptionRenewal)
	if len(entries) != 1 || entries[0].Amount != 20 {
		test.Fatalf("expected one +20 renewal entry, got %+v", entries)
	}
}

func TestRenewSkipsWithoutActivePlan(test *testing.T) {
	test.Parallel()
	credits := mustCreditService(test, ledgertest.NewStore())
	learnerID := mustLearnerID(test, "planless-learner")

	for _, source := range []stubPlanSource{
		{hasPlan: false},
		{hasPlan: true, planCredits: 0},
	} {
		service, err := NewService(credits, source)
		if err != nil {
			test.Fatalf("service: %v", err)
		}
		outcome, err := service.Renew(context.Background(), learnerID, ledger.IdempotencyKey{})
		if err != nil {
			test.Fatalf("renew: %v", err)
		}
		if !outcome.Skipped {
			test.Fatalf("expected skip for %+v, got %+v", source, outcome)
		}
	}
}

func TestRenewRetriedCycleKeyAppliesOnce(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	credits := mustCreditService(test, store)
	learnerID := mustLearnerID(test, "retry-learner")
	seedCredits(test, credits, learnerID, 7)

	service, err := NewService(credits, stubPlanSource{planCredits: 20, hasPlan: true})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	key := mustIdemKey(test, "renewal:retry-learner:2026-09")
	first, err := service.Renew(context.Background(), learnerID, key)
	if err != nil {
		test.Fatalf("first renew: %v", err)
	}
	second, err := service.Renew(context.Background(), learnerID, key)
	if err != nil {
		test.Fatalf("retried renew: %v", err)
	}
	if !second.Receipt.Deduplicated || second.Receipt.EntryID != first.Receipt.EntryID {
		test.Fatalf("expected retried tick to dedup, got %+v", second)
	}
	if balance := creditBalance(test, credits, learnerID); balance != 20 {
		test.Fatalf("retried tick must not reapply, got %d", balance)
	}
}

func TestRenewPropagatesPlanSourceErrors(test *testing.T) {
	test.Parallel()
	credits := mustCreditService(test, ledgertest.NewStore())
	learnerID := mustLearnerID(test, "error-learner")
	boom := errors.New("catalog down")

	service, err := NewService(credits, stubPlanSource{planErr: boom})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	if _, err := service.Renew(context.Background(), learnerID, ledger.IdempotencyKey{}); !errors.Is(err, boom) {
		test.Fatalf("expected plan error, got %v", err)
	}

	service, err = NewService(credits, stubPlanSource{planCredits: 20, hasPlan: true, rolloverErr: boom})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	if _, err := service.Renew(context.Background(), learnerID, ledger.IdempotencyKey{}); !errors.Is(err, boom) {
		test.Fatalf("expected rollover error, got %v", err)
	}
}
