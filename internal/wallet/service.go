// Package wallet implements the monetary operations of the account
// ledger: top-ups from the payment provider, pessimistically-locked
// deductions, the asynchronous pending top-up flow, and trial credits.
package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/tutorloop/ledger/pkg/ledger"
)

// SettleOutcome names the terminal status a pending top-up settles to.
type SettleOutcome string

const (
	SettleConfirm SettleOutcome = "confirm"
	SettleFail    SettleOutcome = "fail"
	SettleCancel  SettleOutcome = "cancel"
)

// Service contains the wallet-balance domain logic over a Store.
type Service struct {
	store  ledger.Store
	guard  ledger.Guard
	nowFn  func() int64
	logger ledger.OperationLogger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// NewService wires a Service.
func NewService(store ledger.Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	service := &Service{store: store, guard: ledger.NewGuard(store), nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AddFunds credits the wallet from a settled provider payment. The
// external payment id is the idempotency key, so redelivered webhooks
// resolve to the original outcome without reapplying. Addition needs no
// row lock: it cannot drive the balance negative.
func (service *Service) AddFunds(ctx context.Context, learnerID ledger.LearnerID, amount ledger.PositiveAmountCents, externalPaymentID string) (ledger.Receipt, error) {
	idempotencyKey, err := paymentKey(externalPaymentID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt, operationError := service.guard.ApplyKeyed(ctx, idempotencyKey, func(ctx context.Context, txStore ledger.Store) (ledger.EntryID, error) {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return ledger.EntryID{}, err
		}
		if err := txStore.AdjustWallet(ctx, accountID, amount.Cents(), false); err != nil {
			return ledger.EntryID{}, err
		}
		entryInput, err := ledger.NewEntryInput(accountID, ledger.KindWalletTopup, amount.Cents(), ledger.StatusConfirmed, idempotencyKey, externalPaymentID, "wallet top-up", ledger.MetadataJSON{}, service.nowFn())
		if err != nil {
			return ledger.EntryID{}, err
		}
		return txStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationAddFunds,
		LearnerID:      learnerID,
		Amount:         amount.Cents(),
		IdempotencyKey: idempotencyKey,
		ReferenceID:    externalPaymentID,
		Error:          operationError,
	})
	return receipt, operationError
}

// DeductFunds debits the wallet under an exclusive row-scoped lock held
// for the whole read-check-write sequence, so two concurrent deductions
// against one account cannot both pass the sufficiency check on a stale
// balance. The conditional update's balance floor is a second line of
// defense behind the lock.
func (service *Service) DeductFunds(ctx context.Context, learnerID ledger.LearnerID, amount ledger.PositiveAmountCents, referenceID string, description string) (ledger.Receipt, error) {
	var receipt ledger.Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return err
		}
		balances, err := txStore.LockBalances(ctx, accountID)
		if err != nil {
			return err
		}
		if balances.WalletCents < amount.Cents() {
			return ledger.ErrInsufficientFunds
		}
		if err := txStore.AdjustWallet(ctx, accountID, -amount.Cents(), true); err != nil {
			return err
		}
		entryInput, err := ledger.NewEntryInput(accountID, ledger.KindWalletDeduction, -amount.Cents(), ledger.StatusConfirmed, ledger.IdempotencyKey{}, referenceID, description, ledger.MetadataJSON{}, service.nowFn())
		if err != nil {
			return err
		}
		entryID, err := txStore.InsertEntry(ctx, entryInput)
		if err != nil {
			return err
		}
		receipt = ledger.Receipt{EntryID: entryID}
		return nil
	})
	service.logOperation(ctx, ledger.OperationLog{
		Operation:   ledger.OperationDeductFunds,
		LearnerID:   learnerID,
		Amount:      -amount.Cents(),
		ReferenceID: referenceID,
		Error:       operationError,
	})
	return receipt, operationError
}

// BeginTopup records a provider payment intent as a pending entry with
// no balance effect. SettleTopup applies or discards it exactly once
// when the asynchronous confirmation arrives.
func (service *Service) BeginTopup(ctx context.Context, learnerID ledger.LearnerID, amount ledger.PositiveAmountCents, externalPaymentID string) (ledger.Receipt, error) {
	idempotencyKey, err := paymentKey(externalPaymentID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt, operationError := service.guard.ApplyKeyed(ctx, idempotencyKey, func(ctx context.Context, txStore ledger.Store) (ledger.EntryID, error) {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return ledger.EntryID{}, err
		}
		entryInput, err := ledger.NewEntryInput(accountID, ledger.KindWalletTopup, amount.Cents(), ledger.StatusPending, idempotencyKey, externalPaymentID, "wallet top-up pending settlement", ledger.MetadataJSON{}, service.nowFn())
		if err != nil {
			return ledger.EntryID{}, err
		}
		return txStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationBeginTopup,
		LearnerID:      learnerID,
		Amount:         amount.Cents(),
		IdempotencyKey: idempotencyKey,
		ReferenceID:    externalPaymentID,
		Error:          operationError,
	})
	return receipt, operationError
}

// SettleTopup moves the pending top-up for an external payment id to a
// terminal status. Confirmation applies the balance in the same unit of
// work as the status flip; failure and cancellation touch no balance.
// A second settlement attempt fails with ErrEntryClosed.
func (service *Service) SettleTopup(ctx context.Context, externalPaymentID string, outcome SettleOutcome) (ledger.Receipt, error) {
	idempotencyKey, err := paymentKey(externalPaymentID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	target, err := outcome.status()
	if err != nil {
		return ledger.Receipt{}, err
	}
	var receipt ledger.Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		entry, found, err := txStore.FindEntryByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if !found {
			return ledger.ErrUnknownEntry
		}
		if entry.Status != ledger.StatusPending {
			return ledger.ErrEntryClosed
		}
		if err := txStore.TransitionEntryStatus(ctx, entry.EntryID, ledger.StatusPending, target); err != nil {
			return err
		}
		if target == ledger.StatusConfirmed {
			if err := txStore.AdjustWallet(ctx, entry.AccountID, entry.Amount, false); err != nil {
				return err
			}
		}
		receipt = ledger.Receipt{EntryID: entry.EntryID}
		return nil
	})
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationSettleTopup,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    externalPaymentID,
		Error:          operationError,
	})
	return receipt, operationError
}

// IssueTrialCredit grants exactly one trial use, idempotent on the
// external payment id. The trial is an audit-only ledger kind: it moves
// neither the wallet nor the credit balance, only the trial counter.
func (service *Service) IssueTrialCredit(ctx context.Context, learnerID ledger.LearnerID, externalPaymentID string) (ledger.Receipt, error) {
	idempotencyKey, err := paymentKey(externalPaymentID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt, operationError := service.guard.ApplyKeyed(ctx, idempotencyKey, func(ctx context.Context, txStore ledger.Store) (ledger.EntryID, error) {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return ledger.EntryID{}, err
		}
		if err := txStore.IncrementTrialCredits(ctx, accountID); err != nil {
			return ledger.EntryID{}, err
		}
		entryInput, err := ledger.NewEntryInput(accountID, ledger.KindWalletTrialCredit, 1, ledger.StatusConfirmed, idempotencyKey, externalPaymentID, "trial credit issued", ledger.MetadataJSON{}, service.nowFn())
		if err != nil {
			return ledger.EntryID{}, err
		}
		return txStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationTrialCredit,
		LearnerID:      learnerID,
		Amount:         1,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    externalPaymentID,
		Error:          operationError,
	})
	return receipt, operationError
}

func (service *Service) logOperation(ctx context.Context, entry ledger.OperationLog) {
	if service.logger == nil {
		return
	}
	service.logger.LogOperation(ctx, entry.Finalize())
}

func (outcome SettleOutcome) status() (ledger.EntryStatus, error) {
	switch outcome {
	case SettleConfirm:
		return ledger.StatusConfirmed, nil
	case SettleFail:
		return ledger.StatusFailed, nil
	case SettleCancel:
		return ledger.StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidEntryStatus, outcome)
	}
}

func paymentKey(externalPaymentID string) (ledger.IdempotencyKey, error) {
	trimmed := strings.TrimSpace(externalPaymentID)
	if trimmed == "" {
		return ledger.IdempotencyKey{}, fmt.Errorf("%w: empty external payment id", ledger.ErrInvalidIdempotencyKey)
	}
	return ledger.NewIdempotencyKey(trimmed)
}
