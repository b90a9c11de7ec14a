// Package credit implements the integer lesson-credit operations of the
// account ledger: grants, admin revocation, per-booking spend, and gift
// transfers.
package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/tutorloop/ledger/pkg/ledger"
)

const (
	bookingKeyPrefix = "booking"

	giftSuffixSent     = "gift_sent"
	giftSuffixReceived = "gift_received"
)

// Service contains the credit-balance domain logic over a Store.
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

// Balances returns the cached balances for a learner, creating the
// zero-balance account on first contact.
func (service *Service) Balances(ctx context.Context, learnerID ledger.LearnerID) (ledger.BalanceSnapshot, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, learnerID)
	if err != nil {
		return ledger.BalanceSnapshot{}, err
	}
	return service.store.GetBalances(ctx, accountID)
}

// History lists the newest ledger entries for a learner, newest first.
func (service *Service) History(ctx context.Context, learnerID ledger.LearnerID, limit int) ([]ledger.Entry, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, limit)
}

// Grant adds credits to a learner's balance in one unit of work with a
// confirmed ledger entry. A retried idempotency key resolves to the
// original outcome without reapplying. Kind defaults to a plain grant;
// gift-received and subscription-renewal grants reuse this path with
// their own kind.
func (service *Service) Grant(ctx context.Context, learnerID ledger.LearnerID, amount ledger.CreditAmount, kind ledger.EntryKind, description string, idempotencyKey ledger.IdempotencyKey) (ledger.Receipt, error) {
	if kind == "" {
		kind = ledger.KindCreditGrant
	}
	if kind.Domain() != ledger.DomainCredits || !kind.AllowsAmount(amount.Count()) {
		return ledger.Receipt{}, fmt.Errorf("%w: kind %s cannot grant credits", ledger.ErrInvalidEntryKind, kind)
	}
	receipt, operationError := service.guard.ApplyKeyed(ctx, idempotencyKey, func(ctx context.Context, txStore ledger.Store) (ledger.EntryID, error) {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return ledger.EntryID{}, err
		}
		if err := txStore.AdjustCredits(ctx, accountID, amount.Count(), false); err != nil {
			return ledger.EntryID{}, err
		}
		entryInput, err := ledger.NewEntryInput(accountID, kind, amount.Count(), ledger.StatusConfirmed, idempotencyKey, "", description, ledger.MetadataJSON{}, service.nowFn())
		if err != nil {
			return ledger.EntryID{}, err
		}
		return txStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationGrant,
		LearnerID:      learnerID,
		Amount:         amount.Count(),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return receipt, operationError
}

// Revoke removes credits from a learner's balance (admin action). The
// floor check happens atomically inside the conditional update; when the
// balance cannot cover the revocation nothing is written, not even a
// failed entry.
func (service *Service) Revoke(ctx context.Context, learnerID ledger.LearnerID, amount ledger.CreditAmount, description string) (ledger.Receipt, error) {
	var receipt ledger.Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return err
		}
		if err := txStore.AdjustCredits(ctx, accountID, -amount.Count(), true); err != nil {
			return err
		}
		entryInput, err := ledger.NewEntryInput(accountID, ledger.KindCreditRevoke, -amount.Count(), ledger.StatusConfirmed, ledger.IdempotencyKey{}, "", description, ledger.MetadataJSON{}, service.nowFn())
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
		Operation: ledger.OperationRevoke,
		LearnerID: learnerID,
		Amount:    -amount.Count(),
		Error:     operationError,
	})
	return receipt, operationError
}

// SpendOne deducts exactly one credit for a lesson booking. The booking
// reference doubles as the idempotency key, so re-invoking for the same
// booking never double-spends.
func (service *Service) SpendOne(ctx context.Context, learnerID ledger.LearnerID, bookingReferenceID string) (ledger.Receipt, error) {
	idempotencyKey, err := bookingKey(bookingReferenceID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt, operationError := service.guard.ApplyKeyed(ctx, idempotencyKey, func(ctx context.Context, txStore ledger.Store) (ledger.EntryID, error) {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return ledger.EntryID{}, err
		}
		if err := txStore.AdjustCredits(ctx, accountID, -1, true); err != nil {
			return ledger.EntryID{}, err
		}
		entryInput, err := ledger.NewEntryInput(accountID, ledger.KindCreditSpend, -1, ledger.StatusConfirmed, idempotencyKey, bookingReferenceID, "lesson booking", ledger.MetadataJSON{}, service.nowFn())
		if err != nil {
			return ledger.EntryID{}, err
		}
		return txStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationSpend,
		LearnerID:      learnerID,
		Amount:         -1,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    bookingReferenceID,
		Error:          operationError,
	})
	return receipt, operationError
}

// ResetCredits sets a learner's credit balance to an exact target and
// records a subscription-renewal entry carrying the signed delta. A
// zero delta is a no-op with no entry. Used by the renewal policy when
// rollover is disabled.
func (service *Service) ResetCredits(ctx context.Context, learnerID ledger.LearnerID, target int64, description string, idempotencyKey ledger.IdempotencyKey) (ledger.Receipt, int64, error) {
	if target < 0 {
		return ledger.Receipt{}, 0, fmt.Errorf("%w: reset target must not be negative", ledger.ErrInvalidAmount)
	}
	if prior, found, err := service.guard.Resolve(ctx, idempotencyKey); err != nil {
		return ledger.Receipt{}, 0, err
	} else if found {
		return ledger.Receipt{EntryID: prior.EntryID, Deduplicated: true}, prior.Amount, nil
	}
	var (
		receipt ledger.Receipt
		delta   int64
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		accountID, err := txStore.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return err
		}
		balances, err := txStore.LockBalances(ctx, accountID)
		if err != nil {
			return err
		}
		delta = target - balances.Credits
		if delta == 0 {
			return nil
		}
		if err := txStore.AdjustCredits(ctx, accountID, delta, true); err != nil {
			return err
		}
		entryInput, err := ledger.NewEntryInput(accountID, ledger.KindSubscriptionRenewal, delta, ledger.StatusConfirmed, idempotencyKey, "", description, ledger.MetadataJSON{}, service.nowFn())
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
	if deduplicated, prior := service.guard.ResolveDuplicate(ctx, idempotencyKey, operationError); deduplicated {
		receipt = ledger.Receipt{EntryID: prior.EntryID, Deduplicated: true}
		delta = prior.Amount
		operationError = nil
	}
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationRenew,
		LearnerID:      learnerID,
		Amount:         delta,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return receipt, delta, operationError
}

func (service *Service) logOperation(ctx context.Context, entry ledger.OperationLog) {
	if service.logger == nil {
		return
	}
	service.logger.LogOperation(ctx, entry.Finalize())
}

func bookingKey(bookingReferenceID string) (ledger.IdempotencyKey, error) {
	trimmed := strings.TrimSpace(bookingReferenceID)
	if trimmed == "" {
		return ledger.IdempotencyKey{}, fmt.Errorf("%w: empty booking reference", ledger.ErrInvalidIdempotencyKey)
	}
	return ledger.NewIdempotencyKey(bookingKeyPrefix + ":" + trimmed)
}
