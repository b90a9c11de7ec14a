package ledger

import "context"

// Store is the persistence contract used by the credit, wallet, and
// renewal services. Implementations must make AdjustWallet and
// AdjustCredits atomic check-and-set operations (a conditional update,
// never read-then-write) and must enforce idempotency-key uniqueness
// with a storage-level unique index.
type Store interface {
	// WithTx executes fn inside one atomic unit of work. Any error from
	// fn rolls the whole unit back.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// GetOrCreateAccountID resolves a learner to an account, creating a
	// zero-balance account on first contact. Safe to call concurrently.
	GetOrCreateAccountID(ctx context.Context, learnerID LearnerID) (AccountID, error)

	// RegisterEmail attaches a contact email to an account so gift
	// transfers can resolve recipients. Idempotent for the same pair.
	RegisterEmail(ctx context.Context, accountID AccountID, email string) error

	// FindAccountIDByEmail resolves a gift recipient. The second return
	// is false when no account carries the email.
	FindAccountIDByEmail(ctx context.Context, email string) (AccountID, bool, error)

	// GetBalances reads the cached balances without locking.
	GetBalances(ctx context.Context, accountID AccountID) (BalanceSnapshot, error)

	// LockBalances reads the cached balances under an exclusive
	// row-scoped lock held until the surrounding unit of work ends.
	LockBalances(ctx context.Context, accountID AccountID) (BalanceSnapshot, error)

	// AdjustWallet applies deltaCents to the wallet balance. With
	// enforceFloor, a move below zero fails with ErrInsufficientFunds
	// and nothing is applied.
	AdjustWallet(ctx context.Context, accountID AccountID, deltaCents int64, enforceFloor bool) error

	// AdjustCredits applies delta to the credit balance. With
	// enforceFloor, a move below zero fails with ErrInsufficientCredits
	// and nothing is applied.
	AdjustCredits(ctx context.Context, accountID AccountID, delta int64, enforceFloor bool) error

	// IncrementTrialCredits bumps the trial-credit counter.
	IncrementTrialCredits(ctx context.Context, accountID AccountID) error

	// InsertEntry appends a ledger entry, failing with
	// ErrDuplicateIdempotencyKey when the key already exists.
	InsertEntry(ctx context.Context, entry EntryInput) (EntryID, error)

	// FindEntryByIdempotencyKey returns the prior entry for a key, if any.
	FindEntryByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Entry, bool, error)

	// TransitionEntryStatus moves a pending entry to a terminal status
	// exactly once; ErrEntryClosed when the entry already settled.
	TransitionEntryStatus(ctx context.Context, entryID EntryID, from EntryStatus, to EntryStatus) error

	// ListEntries returns the newest entries for an account, newest first.
	ListEntries(ctx context.Context, accountID AccountID, limit int) ([]Entry, error)

	// SumConfirmed totals the signed amounts of confirmed entries in one
	// balance domain. The cached balance must always equal this sum.
	SumConfirmed(ctx context.Context, accountID AccountID, domain BalanceDomain) (int64, error)

	// CreateGiftTransfer records a gift purchase.
	CreateGiftTransfer(ctx context.Context, gift GiftTransferInput) (string, error)

	// GetGiftTransferByPaymentID returns the gift for an external payment id.
	GetGiftTransferByPaymentID(ctx context.Context, externalPaymentID string) (GiftTransfer, bool, error)
}
