package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// LearnerID identifies the learner owning an account.
type LearnerID struct {
	value string
}

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// IdempotencyKey scopes duplicate detection. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// PositiveAmountCents is a validated strictly-positive monetary amount.
type PositiveAmountCents int64

// CreditAmount is a validated strictly-positive lesson-credit count.
type CreditAmount int64

// NewLearnerID validates and normalizes a learner id.
func NewLearnerID(raw string) (LearnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LearnerID{}, fmt.Errorf("%w: empty value", ErrInvalidLearnerID)
	}
	return LearnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id LearnerID) String() string {
	return id.value
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the caller supplied no key.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// WithSuffix derives a related key for a secondary entry written in the
// same unit of work, so each entry stays individually deduplicated.
func (key IdempotencyKey) WithSuffix(suffix string) (IdempotencyKey, error) {
	return NewIdempotencyKey(key.value + idempotencyKeyDelimiter + suffix)
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountCents(raw), nil
}

// Cents returns the amount as a signed value.
func (amount PositiveAmountCents) Cents() int64 {
	return int64(amount)
}

// NewCreditAmount validates a credit count and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Count returns the credit count as a signed value.
func (amount CreditAmount) Count() int64 {
	return int64(amount)
}

// BalanceDomain names which cached balance an entry kind settles against.
type BalanceDomain string

const (
	DomainWallet  BalanceDomain = "wallet"
	DomainCredits BalanceDomain = "credits"
	// DomainNone marks audit-only kinds that never move a balance.
	DomainNone BalanceDomain = "none"
)

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	KindWalletTopup         EntryKind = "wallet_topup"
	KindWalletDeduction     EntryKind = "wallet_deduction"
	KindWalletTrialCredit   EntryKind = "wallet_trial_credit"
	KindCreditGrant         EntryKind = "credit_grant"
	KindCreditRevoke        EntryKind = "credit_revoke"
	KindCreditSpend         EntryKind = "credit_spend"
	KindCreditGiftSent      EntryKind = "credit_gift_sent"
	KindCreditGiftReceived  EntryKind = "credit_gift_received"
	KindSubscriptionRenewal EntryKind = "credit_subscription_renewal"
)

// String returns the stored kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a stored kind value.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(raw)
	if _, known := kindDomains[kind]; !known {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
	return kind, nil
}

var kindDomains = map[EntryKind]BalanceDomain{
	KindWalletTopup:         DomainWallet,
	KindWalletDeduction:     DomainWallet,
	KindWalletTrialCredit:   DomainNone,
	KindCreditGrant:         DomainCredits,
	KindCreditRevoke:        DomainCredits,
	KindCreditSpend:         DomainCredits,
	KindCreditGiftSent:      DomainNone,
	KindCreditGiftReceived:  DomainCredits,
	KindSubscriptionRenewal: DomainCredits,
}

// KindsForDomain lists the entry kinds that settle against a balance
// domain, for storage-level sum queries.
func KindsForDomain(domain BalanceDomain) []EntryKind {
	kinds := make([]EntryKind, 0, len(kindDomains))
	for kind, kindDomain := range kindDomains {
		if kindDomain == domain {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(left, right int) bool { return kinds[left] < kinds[right] })
	return kinds
}

// Domain returns the balance domain the kind settles against.
func (kind EntryKind) Domain() BalanceDomain {
	domain, known := kindDomains[kind]
	if !known {
		return DomainNone
	}
	return domain
}

// AllowsAmount reports whether a signed entry amount is legal for the kind.
// Renewal entries carry the reset delta and may hold either sign; every
// other kind has a fixed business direction.
func (kind EntryKind) AllowsAmount(amount int64) bool {
	switch kind {
	case KindWalletTopup, KindCreditGrant, KindCreditGiftReceived, KindCreditGiftSent, KindWalletTrialCredit:
		return amount > 0
	case KindWalletDeduction, KindCreditRevoke, KindCreditSpend:
		return amount < 0
	case KindSubscriptionRenewal:
		return amount != 0
	default:
		return false
	}
}

// EntryStatus defines the ledger entry lifecycle.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusConfirmed EntryStatus = "confirmed"
	StatusFailed    EntryStatus = "failed"
	StatusCancelled EntryStatus = "cancelled"
)

// String returns the stored status value.
func (status EntryStatus) String() string {
	return string(status)
}

// ParseEntryStatus validates a stored status value.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch status := EntryStatus(raw); status {
	case StatusPending, StatusConfirmed, StatusFailed, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// CanTransitionTo reports whether the status machine permits the move.
// Only pending entries move; confirmed, failed and cancelled are terminal.
func (status EntryStatus) CanTransitionTo(next EntryStatus) bool {
	if status != StatusPending {
		return false
	}
	switch next {
	case StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        EntryID
	AccountID      AccountID
	Kind           EntryKind
	Amount         int64
	Status         EntryStatus
	IdempotencyKey IdempotencyKey
	ReferenceID    string
	Description    string
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// EntryInput carries the fields of an entry about to be appended.
type EntryInput struct {
	AccountID      AccountID
	Kind           EntryKind
	Amount         int64
	Status         EntryStatus
	IdempotencyKey IdempotencyKey
	ReferenceID    string
	Description    string
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// NewEntryInput validates an entry before it reaches the store.
func NewEntryInput(accountID AccountID, kind EntryKind, amount int64, status EntryStatus, idempotencyKey IdempotencyKey, referenceID string, description string, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if accountID.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty account id", ErrInvalidAccountID)
	}
	if _, err := ParseEntryKind(kind.String()); err != nil {
		return EntryInput{}, err
	}
	if _, err := ParseEntryStatus(status.String()); err != nil {
		return EntryInput{}, err
	}
	if !kind.AllowsAmount(amount) {
		return EntryInput{}, fmt.Errorf("%w: amount %d not allowed for kind %s", ErrInvalidAmount, amount, kind)
	}
	return EntryInput{
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amount,
		Status:         status,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    referenceID,
		Description:    description,
		MetadataJSON:   metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// BalanceSnapshot is a point-in-time view of one account's cached balances.
type BalanceSnapshot struct {
	WalletCents        int64
	Credits            int64
	TrialCreditsIssued int64
}

// GiftStatus defines gift-transfer resolution states.
type GiftStatus string

const (
	GiftStatusResolved   GiftStatus = "resolved"
	GiftStatusUnresolved GiftStatus = "unresolved"
)

// String returns the stored status value.
func (status GiftStatus) String() string {
	return string(status)
}

// GiftTransfer records a credit-gift purchase and its resolution state.
type GiftTransfer struct {
	GiftID             string
	PurchaserAccountID AccountID
	RecipientEmail     string
	RecipientAccountID *AccountID
	CreditsAmount      int64
	ExternalPaymentID  string
	Status             GiftStatus
	EntryID            EntryID
	CreatedUnixUTC     int64
}

// GiftTransferInput carries the fields of a gift record about to be created.
type GiftTransferInput struct {
	PurchaserAccountID AccountID
	RecipientEmail     string
	RecipientAccountID *AccountID
	CreditsAmount      int64
	ExternalPaymentID  string
	Status             GiftStatus
	EntryID            EntryID
	CreatedUnixUTC     int64
}

// Receipt reports the outcome of a completed mutation.
type Receipt struct {
	EntryID EntryID
	// Deduplicated marks a retried submission resolved to its original
	// outcome without reapplying.
	Deduplicated bool
}
