package ledger

import (
	"errors"
	"testing"
)

func TestFinalizeFillsStatusFromError(test *testing.T) {
	test.Parallel()
	finalized := OperationLog{Operation: OperationGrant}.Finalize()
	if finalized.Status != OperationStatusOK {
		test.Fatalf("expected ok status, got %q", finalized.Status)
	}
	failed := OperationLog{Operation: OperationGrant, Error: errors.New("boom")}.Finalize()
	if failed.Status != OperationStatusError {
		test.Fatalf("expected error status, got %q", failed.Status)
	}
}

func TestFinalizeKeepsExplicitStatus(test *testing.T) {
	test.Parallel()
	log := OperationLog{Operation: OperationSpend, Status: OperationStatusOK, Error: errors.New("boom")}
	if log.Finalize().Status != OperationStatusOK {
		test.Fatalf("explicit status must win")
	}
}
