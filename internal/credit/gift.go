package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/tutorloop/ledger/pkg/ledger"
)

// GiftReceipt reports the outcome of a gift-transfer purchase.
type GiftReceipt struct {
	GiftID string
	// Resolved is true when the recipient email matched an existing
	// account and the credits were delivered in the same unit of work.
	Resolved bool
	Receipt  ledger.Receipt
}

// TransferGift records a credit-gift purchase. When the recipient email
// resolves to an existing account, the recipient grant, the purchaser's
// audit entry, and the gift record commit atomically; otherwise the gift
// stays unresolved with no balance effect. The purchaser's own balances
// never change: gift funding is external. Both paths key off the
// external payment id, so a retried payment webhook cannot double-gift.
func (service *Service) TransferGift(ctx context.Context, purchaserLearnerID ledger.LearnerID, recipientEmail string, amount ledger.CreditAmount, externalPaymentID string) (GiftReceipt, error) {
	email, err := normalizeEmail(recipientEmail)
	if err != nil {
		return GiftReceipt{}, err
	}
	paymentKey, err := ledger.NewIdempotencyKey(externalPaymentID)
	if err != nil {
		return GiftReceipt{}, err
	}
	sentKey, err := paymentKey.WithSuffix(giftSuffixSent)
	if err != nil {
		return GiftReceipt{}, err
	}
	receivedKey, err := paymentKey.WithSuffix(giftSuffixReceived)
	if err != nil {
		return GiftReceipt{}, err
	}

	if prior, found, err := service.guard.Resolve(ctx, sentKey); err != nil {
		return GiftReceipt{}, err
	} else if found {
		return service.priorGiftReceipt(ctx, externalPaymentID, prior)
	}

	var (
		giftID   string
		resolved bool
		receipt  ledger.Receipt
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		purchaserAccountID, err := txStore.GetOrCreateAccountID(ctx, purchaserLearnerID)
		if err != nil {
			return err
		}
		recipientAccountID, found, err := txStore.FindAccountIDByEmail(ctx, email)
		if err != nil {
			return err
		}
		sentInput, err := ledger.NewEntryInput(purchaserAccountID, ledger.KindCreditGiftSent, amount.Count(), ledger.StatusConfirmed, sentKey, externalPaymentID, "gift credits for "+email, ledger.MetadataJSON{}, service.nowFn())
		if err != nil {
			return err
		}
		sentEntryID, err := txStore.InsertEntry(ctx, sentInput)
		if err != nil {
			return err
		}
		giftInput := ledger.GiftTransferInput{
			PurchaserAccountID: purchaserAccountID,
			RecipientEmail:     email,
			CreditsAmount:      amount.Count(),
			ExternalPaymentID:  externalPaymentID,
			Status:             ledger.GiftStatusUnresolved,
			EntryID:            sentEntryID,
			CreatedUnixUTC:     service.nowFn(),
		}
		if found {
			if err := txStore.AdjustCredits(ctx, recipientAccountID, amount.Count(), false); err != nil {
				return err
			}
			receivedInput, err := ledger.NewEntryInput(recipientAccountID, ledger.KindCreditGiftReceived, amount.Count(), ledger.StatusConfirmed, receivedKey, externalPaymentID, "gift credits received", ledger.MetadataJSON{}, service.nowFn())
			if err != nil {
				return err
			}
			if _, err := txStore.InsertEntry(ctx, receivedInput); err != nil {
				return err
			}
			giftInput.RecipientAccountID = &recipientAccountID
			giftInput.Status = ledger.GiftStatusResolved
			resolved = true
		}
		giftID, err = txStore.CreateGiftTransfer(ctx, giftInput)
		if err != nil {
			return err
		}
		receipt = ledger.Receipt{EntryID: sentEntryID}
		return nil
	})
	if deduplicated, prior := service.guard.ResolveDuplicate(ctx, sentKey, operationError); deduplicated {
		giftReceipt, err := service.priorGiftReceipt(ctx, externalPaymentID, prior)
		service.logGift(ctx, purchaserLearnerID, amount, sentKey, externalPaymentID, err)
		return giftReceipt, err
	}
	service.logGift(ctx, purchaserLearnerID, amount, sentKey, externalPaymentID, operationError)
	if operationError != nil {
		return GiftReceipt{}, operationError
	}
	return GiftReceipt{GiftID: giftID, Resolved: resolved, Receipt: receipt}, nil
}

func (service *Service) priorGiftReceipt(ctx context.Context, externalPaymentID string, prior ledger.Entry) (GiftReceipt, error) {
	gift, found, err := service.store.GetGiftTransferByPaymentID(ctx, externalPaymentID)
	if err != nil {
		return GiftReceipt{}, err
	}
	if !found {
		return GiftReceipt{}, ledger.ErrUnknownGiftTransfer
	}
	return GiftReceipt{
		GiftID:   gift.GiftID,
		Resolved: gift.Status == ledger.GiftStatusResolved,
		Receipt:  ledger.Receipt{EntryID: prior.EntryID, Deduplicated: true},
	}, nil
}

func (service *Service) logGift(ctx context.Context, purchaserLearnerID ledger.LearnerID, amount ledger.CreditAmount, sentKey ledger.IdempotencyKey, externalPaymentID string, operationError error) {
	service.logOperation(ctx, ledger.OperationLog{
		Operation:      ledger.OperationGift,
		LearnerID:      purchaserLearnerID,
		Amount:         amount.Count(),
		IdempotencyKey: sentKey,
		ReferenceID:    externalPaymentID,
		Error:          operationError,
	})
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidEmail, raw)
	}
	return email, nil
}
