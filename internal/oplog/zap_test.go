package oplog

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tutorloop/ledger/pkg/ledger"
)

func TestLogOperationEmitsStructuredFields(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zapcore.InfoLevel)
	adapter := NewZapLogger(zap.New(core))
	learnerID, err := ledger.NewLearnerID("log-learner")
	if err != nil {
		test.Fatalf("learner id: %v", err)
	}
	key, err := ledger.NewIdempotencyKey("pay-log")
	if err != nil {
		test.Fatalf("key: %v", err)
	}

	adapter.LogOperation(context.Background(), ledger.OperationLog{
		Operation:      ledger.OperationAddFunds,
		LearnerID:      learnerID,
		Amount:         500,
		IdempotencyKey: key,
		ReferenceID:    "pay-log",
		Status:         ledger.OperationStatusOK,
	})

	logs := observed.All()
	if len(logs) != 1 {
		test.Fatalf("expected one log line, got %d", len(logs))
	}
	if logs[0].Level != zapcore.InfoLevel {
		test.Fatalf("expected info level, got %s", logs[0].Level)
	}
	fields := logs[0].ContextMap()
	if fields["operation"] != ledger.OperationAddFunds || fields["learner_id"] != "log-learner" {
		test.Fatalf("unexpected fields %v", fields)
	}
	if fields["idempotency_key"] != "pay-log" {
		test.Fatalf("expected idempotency key field, got %v", fields)
	}
}

func TestLogOperationFailureWarns(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zapcore.InfoLevel)
	adapter := NewZapLogger(zap.New(core))

	adapter.LogOperation(context.Background(), ledger.OperationLog{
		Operation: ledger.OperationSpend,
		Status:    ledger.OperationStatusError,
		Error:     errors.New("insufficient credits"),
	})

	logs := observed.All()
	if len(logs) != 1 || logs[0].Level != zapcore.WarnLevel {
		test.Fatalf("expected one warn line, got %+v", logs)
	}
}

func TestNewZapLoggerNilDegradesToNoop(test *testing.T) {
	test.Parallel()
	adapter := NewZapLogger(nil)
	adapter.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationGrant})
}
