package credit

import (
	"context"
	"errors"
	"testing"

	"github.com/tutorloop/ledger/pkg/ledger"
	"github.com/tutorloop/ledger/pkg/ledger/ledgertest"
)

func TestGrantRollsBackWhenEntryInsertFails(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	service := mustService(test, store)
	learnerID := mustLearnerID(test, "rollback-learner")
	boom := errors.New("insert failed")
	store.Fail().InsertEntry = boom

	_, err := service.Grant(context.Background(), learnerID, mustCredits(test, 10), ledger.KindCreditGrant, "", mustIdemKey(test, "fail-grant"))
	if !errors.Is(err, boom) {
		test.Fatalf("expected injected insert error, got %v", err)
	}

	store.Fail().InsertEntry = nil
	if balances := mustBalances(test, service, learnerID); balances.Credits != 0 {
		test.Fatalf("failed unit of work must roll back the balance, got %d", balances.Credits)
	}
	if entries := store.AllEntries(); len(entries) != 0 {
		test.Fatalf("failed unit of work must leave no entries, got %d", len(entries))
	}
}

func TestGrantPropagatesStoreErrors(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	service := mustService(test, store)
	boom := errors.New("adjust failed")
	store.Fail().AdjustCredits = boom

	_, err := service.Grant(context.Background(), mustLearnerID(test, "err-learner"), mustCredits(test, 5), ledger.KindCreditGrant, "", ledger.IdempotencyKey{})
	if !errors.Is(err, boom) {
		test.Fatalf("expected injected adjust error, got %v", err)
	}
}

func TestResetCreditsPropagatesLockErrors(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	service := mustService(test, store)
	boom := errors.New("lock failed")
	store.Fail().LockBalances = boom

	_, _, err := service.ResetCredits(context.Background(), mustLearnerID(test, "lock-learner"), 20, "", mustIdemKey(test, "lock-reset"))
	if !errors.Is(err, boom) {
		test.Fatalf("expected injected lock error, got %v", err)
	}
}

type capturingLogger struct {
	logs []ledger.OperationLog
}

func (logger *capturingLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.logs = append(logger.logs, entry)
}

func TestOperationLoggerReceivesOutcome(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewStore()
	logger := &capturingLogger{}
	service := mustService(test, store, WithOperationLogger(logger))
	learnerID := mustLearnerID(test, "log-learner")

	if _, err := service.Grant(context.Background(), learnerID, mustCredits(test, 5), ledger.KindCreditGrant, "", ledger.IdempotencyKey{}); err != nil {
		test.Fatalf("grant: %v", err)
	}
	_, err := service.SpendOne(context.Background(), learnerID, "booking-log")
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	_, err = service.Revoke(context.Background(), learnerID, mustCredits(test, 50), "too much")
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	if len(logger.logs) != 3 {
		test.Fatalf("expected 3 operation logs, got %d", len(logger.logs))
	}
	if logger.logs[0].Operation != ledger.OperationGrant || logger.logs[0].Status != ledger.OperationStatusOK {
		test.Fatalf("unexpected grant log %+v", logger.logs[0])
	}
	if logger.logs[1].ReferenceID != "booking-log" {
		test.Fatalf("expected booking reference in spend log, got %+v", logger.logs[1])
	}
	if logger.logs[2].Status != ledger.OperationStatusError || logger.logs[2].Error == nil {
		test.Fatalf("expected failed revoke log, got %+v", logger.logs[2])
	}
}
