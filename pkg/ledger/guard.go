package ledger

import (
	"context"
	"errors"
)

// Guard resolves caller-supplied idempotency keys against the ledger
// before a mutation touches any balance. The unique index on the key
// column remains the authoritative duplicate suppression; the guard is
// the fast path that lets a retried submission return its original
// outcome without opening a write transaction.
type Guard struct {
	store Store
}

// NewGuard wires a Guard over a Store.
func NewGuard(store Store) Guard {
	return Guard{store: store}
}

// Resolve returns the previously recorded entry for the key. A zero key
// never matches.
func (guard Guard) Resolve(ctx context.Context, key IdempotencyKey) (Entry, bool, error) {
	if key.IsZero() {
		return Entry{}, false, nil
	}
	return guard.store.FindEntryByIdempotencyKey(ctx, key)
}

// ApplyKeyed runs a keyed mutation with duplicate suppression on both
// sides of the write: the guard pre-check resolves an already-recorded
// key without opening a transaction, and a unique-index conflict during
// the insert (two concurrent retries) resolves to the winner's entry.
func (guard Guard) ApplyKeyed(ctx context.Context, key IdempotencyKey, mutate func(ctx context.Context, txStore Store) (EntryID, error)) (Receipt, error) {
	if prior, found, err := guard.Resolve(ctx, key); err != nil {
		return Receipt{}, err
	} else if found {
		return Receipt{EntryID: prior.EntryID, Deduplicated: true}, nil
	}
	var receipt Receipt
	operationError := guard.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		entryID, err := mutate(ctx, txStore)
		if err != nil {
			return err
		}
		receipt = Receipt{EntryID: entryID}
		return nil
	})
	if deduplicated, prior := guard.ResolveDuplicate(ctx, key, operationError); deduplicated {
		return Receipt{EntryID: prior.EntryID, Deduplicated: true}, nil
	}
	return receipt, operationError
}

// ResolveDuplicate turns a lost insert race on the unique index into the
// winning entry. Any other error passes through untouched.
func (guard Guard) ResolveDuplicate(ctx context.Context, key IdempotencyKey, operationError error) (bool, Entry) {
	if operationError == nil || !errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		return false, Entry{}
	}
	prior, found, err := guard.Resolve(ctx, key)
	if err != nil || !found {
		return false, Entry{}
	}
	return true, prior
}
