// Package ledgertest provides a concurrency-safe in-memory Store with
// real transaction rollback semantics, for unit tests of the ledger
// services.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tutorloop/ledger/pkg/ledger"
)

type accountRecord struct {
	accountID          string
	learnerID          string
	email              string
	walletCents        int64
	credits            int64
	trialCreditsIssued int64
}

type state struct {
	accounts  map[string]*accountRecord
	byLearner map[string]string
	byEmail   map[string]string
	entries   []ledger.Entry
	gifts     map[string]ledger.GiftTransfer
	seq       int
}

// Failures injects store errors into specific operations.
type Failures struct {
	GetOrCreateAccount error
	LockBalances       error
	AdjustWallet       error
	AdjustCredits      error
	InsertEntry        error
	CreateGiftTransfer error
}

// Store is an in-memory ledger.Store. A single mutex serializes units of
// work, and WithTx restores a snapshot on error so a failed unit of work
// leaves no partial state.
type Store struct {
	mu   *sync.Mutex
	st   *state
	fail *Failures
	inTx bool
}

var _ ledger.Store = (*Store)(nil)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		mu: &sync.Mutex{},
		st: &state{
			accounts:  make(map[string]*accountRecord),
			byLearner: make(map[string]string),
			byEmail:   make(map[string]string),
			gifts:     make(map[string]ledger.GiftTransfer),
		},
		fail: &Failures{},
	}
}

// Fail exposes the failure-injection knobs.
func (store *Store) Fail() *Failures {
	return store.fail
}

func (store *Store) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (st *state) snapshot() *state {
	copied := &state{
		accounts:  make(map[string]*accountRecord, len(st.accounts)),
		byLearner: make(map[string]string, len(st.byLearner)),
		byEmail:   make(map[string]string, len(st.byEmail)),
		entries:   append([]ledger.Entry(nil), st.entries...),
		gifts:     make(map[string]ledger.GiftTransfer, len(st.gifts)),
		seq:       st.seq,
	}
	for id, account := range st.accounts {
		clone := *account
		copied.accounts[id] = &clone
	}
	for learner, id := range st.byLearner {
		copied.byLearner[learner] = id
	}
	for email, id := range st.byEmail {
		copied.byEmail[email] = id
	}
	for id, gift := range st.gifts {
		copied.gifts[id] = gift
	}
	return copied
}

// WithTx serializes the unit of work under the store mutex and rolls the
// state back when fn fails.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.st.snapshot()
	txStore := &Store{mu: store.mu, st: store.st, fail: store.fail, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		*store.st = *snapshot
		return err
	}
	return nil
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, learnerID ledger.LearnerID) (ledger.AccountID, error) {
	if store.fail.GetOrCreateAccount != nil {
		return ledger.AccountID{}, store.fail.GetOrCreateAccount
	}
	unlock := store.lock()
	defer unlock()
	if existing, found := store.st.byLearner[learnerID.String()]; found {
		return ledger.NewAccountID(existing)
	}
	store.st.seq++
	accountID := fmt.Sprintf("acct-%d", store.st.seq)
	store.st.accounts[accountID] = &accountRecord{accountID: accountID, learnerID: learnerID.String()}
	store.st.byLearner[learnerID.String()] = accountID
	return ledger.NewAccountID(accountID)
}

func (store *Store) RegisterEmail(ctx context.Context, accountID ledger.AccountID, email string) error {
	unlock := store.lock()
	defer unlock()
	account, found := store.st.accounts[accountID.String()]
	if !found {
		return ledger.ErrUnknownAccount
	}
	if account.email != "" {
		delete(store.st.byEmail, account.email)
	}
	account.email = email
	store.st.byEmail[email] = account.accountID
	return nil
}

func (store *Store) FindAccountIDByEmail(ctx context.Context, email string) (ledger.AccountID, bool, error) {
	unlock := store.lock()
	defer unlock()
	accountID, found := store.st.byEmail[email]
	if !found {
		return ledger.AccountID{}, false, nil
	}
	parsed, err := ledger.NewAccountID(accountID)
	return parsed, true, err
}

func (store *Store) GetBalances(ctx context.Context, accountID ledger.AccountID) (ledger.BalanceSnapshot, error) {
	unlock := store.lock()
	defer unlock()
	return store.balances(accountID)
}

func (store *Store) LockBalances(ctx context.Context, accountID ledger.AccountID) (ledger.BalanceSnapshot, error) {
	if store.fail.LockBalances != nil {
		return ledger.BalanceSnapshot{}, store.fail.LockBalances
	}
	unlock := store.lock()
	defer unlock()
	return store.balances(accountID)
}

func (store *Store) balances(accountID ledger.AccountID) (ledger.BalanceSnapshot, error) {
	account, found := store.st.accounts[accountID.String()]
	if !found {
		return ledger.BalanceSnapshot{}, ledger.ErrUnknownAccount
	}
	return ledger.BalanceSnapshot{
		WalletCents:        account.walletCents,
		Credits:            account.credits,
		TrialCreditsIssued: account.trialCreditsIssued,
	}, nil
}

func (store *Store) AdjustWallet(ctx context.Context, accountID ledger.AccountID, deltaCents int64, enforceFloor bool) error {
	if store.fail.AdjustWallet != nil {
		return store.fail.AdjustWallet
	}
	unlock := store.lock()
	defer unlock()
	account, found := store.st.accounts[accountID.String()]
	if !found {
		return ledger.ErrUnknownAccount
	}
	if enforceFloor && account.walletCents+deltaCents < 0 {
		return ledger.ErrInsufficientFunds
	}
	account.walletCents += deltaCents
	return nil
}

func (store *Store) AdjustCredits(ctx context.Context, accountID ledger.AccountID, delta int64, enforceFloor bool) error {
	if store.fail.AdjustCredits != nil {
		return store.fail.AdjustCredits
	}
	unlock := store.lock()
	defer unlock()
	account, found := store.st.accounts[accountID.String()]
	if !found {
		return ledger.ErrUnknownAccount
	}
	if enforceFloor && account.credits+delta < 0 {
		return ledger.ErrInsufficientCredits
	}
	account.credits += delta
	return nil
}

func (store *Store) IncrementTrialCredits(ctx context.Context, accountID ledger.AccountID) error {
	unlock := store.lock()
	defer unlock()
	account, found := store.st.accounts[accountID.String()]
	if !found {
		return ledger.ErrUnknownAccount
	}
	account.trialCreditsIssued++
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, input ledger.EntryInput) (ledger.EntryID, error) {
	if store.fail.InsertEntry != nil {
		return ledger.EntryID{}, store.fail.InsertEntry
	}
	unlock := store.lock()
	defer unlock()
	if !input.IdempotencyKey.IsZero() {
		for _, existing := range store.st.entries {
			if existing.IdempotencyKey == input.IdempotencyKey {
				return ledger.EntryID{}, ledger.ErrDuplicateIdempotencyKey
			}
		}
	}
	store.st.seq++
	entryID, err := ledger.NewEntryID(fmt.Sprintf("entry-%d", store.st.seq))
	if err != nil {
		return ledger.EntryID{}, err
	}
	store.st.entries = append(store.st.entries, ledger.Entry{
		EntryID:        entryID,
		AccountID:      input.AccountID,
		Kind:           input.Kind,
		Amount:         input.Amount,
		Status:         input.Status,
		IdempotencyKey: input.IdempotencyKey,
		ReferenceID:    input.ReferenceID,
		Description:    input.Description,
		MetadataJSON:   input.MetadataJSON,
		CreatedUnixUTC: input.CreatedUnixUTC,
	})
	return entryID, nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	unlock := store.lock()
	defer unlock()
	if key.IsZero() {
		return ledger.Entry{}, false, nil
	}
	for _, entry := range store.st.entries {
		if entry.IdempotencyKey == key {
			return entry, true, nil
		}
	}
	return ledger.Entry{}, false, nil
}

func (store *Store) TransitionEntryStatus(ctx context.Context, entryID ledger.EntryID, from ledger.EntryStatus, to ledger.EntryStatus) error {
	unlock := store.lock()
	defer unlock()
	if !from.CanTransitionTo(to) {
		return ledger.ErrInvalidEntryStatus
	}
	for index := range store.st.entries {
		if store.st.entries[index].EntryID != entryID {
			continue
		}
		if store.st.entries[index].Status != from {
			return ledger.ErrEntryClosed
		}
		store.st.entries[index].Status = to
		return nil
	}
	return ledger.ErrUnknownEntry
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Entry, error) {
	unlock := store.lock()
	defer unlock()
	var listed []ledger.Entry
	for index := len(store.st.entries) - 1; index >= 0; index-- {
		if store.st.entries[index].AccountID != accountID {
			continue
		}
		listed = append(listed, store.st.entries[index])
		if limit > 0 && len(listed) >= limit {
			break
		}
	}
	return listed, nil
}

func (store *Store) SumConfirmed(ctx context.Context, accountID ledger.AccountID, domain ledger.BalanceDomain) (int64, error) {
	unlock := store.lock()
	defer unlock()
	var sum int64
	for _, entry := range store.st.entries {
		if entry.AccountID != accountID || entry.Status != ledger.StatusConfirmed {
			continue
		}
		if entry.Kind.Domain() != domain {
			continue
		}
		sum += entry.Amount
	}
	return sum, nil
}

func (store *Store) CreateGiftTransfer(ctx context.Context, input ledger.GiftTransferInput) (string, error) {
	if store.fail.CreateGiftTransfer != nil {
		return "", store.fail.CreateGiftTransfer
	}
	unlock := store.lock()
	defer unlock()
	store.st.seq++
	giftID := fmt.Sprintf("gift-%d", store.st.seq)
	store.st.gifts[giftID] = ledger.GiftTransfer{
		GiftID:             giftID,
		PurchaserAccountID: input.PurchaserAccountID,
		RecipientEmail:     input.RecipientEmail,
		RecipientAccountID: input.RecipientAccountID,
		CreditsAmount:      input.CreditsAmount,
		ExternalPaymentID:  input.ExternalPaymentID,
		Status:             input.Status,
		EntryID:            input.EntryID,
		CreatedUnixUTC:     input.CreatedUnixUTC,
	}
	return giftID, nil
}

func (store *Store) GetGiftTransferByPaymentID(ctx context.Context, externalPaymentID string) (ledger.GiftTransfer, bool, error) {
	unlock := store.lock()
	defer unlock()
	for _, gift := range store.st.gifts {
		if gift.ExternalPaymentID == externalPaymentID {
			return gift, true, nil
		}
	}
	return ledger.GiftTransfer{}, false, nil
}

// AllEntries returns every recorded entry in append order.
func (store *Store) AllEntries() []ledger.Entry {
	unlock := store.lock()
	defer unlock()
	return append([]ledger.Entry(nil), store.st.entries...)
}

// EntriesForKind filters recorded entries by kind, in append order.
func (store *Store) EntriesForKind(kind ledger.EntryKind) []ledger.Entry {
	unlock := store.lock()
	defer unlock()
	var filtered []ledger.Entry
	for _, entry := range store.st.entries {
		if entry.Kind == kind {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
