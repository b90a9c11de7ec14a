// Package pgstore implements ledger.Store directly on pgx for
// PostgreSQL deployments that skip the ORM layer.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorloop/ledger/pkg/ledger"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectGift              = "gift"
	errorSubjectTransaction       = "transaction"
	errorCodeAdjust               = "adjust"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLock                 = "lock"
	errorCodeLookup               = "lookup"
	errorCodeRegisterEmail        = "register_email"
	errorCodeSumConfirmed         = "sum_confirmed"
	errorCodeUpdateStatus         = "update_status"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, learner_id, created_at, updated_at)
		values(gen_random_uuid(), $1, now(), now())
		on conflict (learner_id) do update set learner_id = excluded.learner_id
		returning account_id::text
	`

	sqlRegisterEmail = `
		update accounts set email = $2, updated_at = now() where account_id = $1
	`

	sqlFindAccountByEmail = `
		select account_id::text from accounts where email = $1
	`

	sqlSelectBalances = `
		select wallet_cents, credit_balance, trial_credits_issued
		from accounts where account_id = $1
	`

	sqlSelectBalancesForUpdate = sqlSelectBalances + ` for update`

	sqlAdjustBalance = `
		update accounts set %[1]s = %[1]s + $2, updated_at = now()
		where account_id = $1
	`

	sqlAdjustBalanceFloor = `
		update accounts set %[1]s = %[1]s + $2, updated_at = now()
		where account_id = $1 and %[1]s + $2 >= 0
	`

	sqlIncrementTrialCredits = `
		update accounts set trial_credits_issued = trial_credits_issued + 1, updated_at = now()
		where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, kind, amount, status, idempotency_key, reference_id, description, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,''), nullif($6,''), $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning entry_id::text
	`

	sqlSelectEntryByKey = `
		select entry_id::text, account_id::text, kind, amount, status,
			coalesce(idempotency_key,''), coalesce(reference_id,''), description,
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from ledger_entries
		where idempotency_key = $1
	`

	sqlUpdateEntryStatus = `
		update ledger_entries set status = $3
		where entry_id = $1 and status = $2
	`

	sqlEntryExists = `
		select exists(select 1 from ledger_entries where entry_id = $1)
	`

	sqlListEntries = `
		select entry_id::text, account_id::text, kind, amount, status,
			coalesce(idempotency_key,''), coalesce(reference_id,''), description,
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1
		order by created_at desc, entry_id desc
		limit $2
	`

	sqlSumConfirmed = `
		select coalesce(sum(amount),0) from ledger_entries
		where account_id = $1 and status = 'confirmed' and kind = any($2)
	`

	sqlInsertGiftTransfer = `
		insert into gift_transfers(
			gift_id, purchaser_account_id, recipient_email, recipient_account_id,
			credits_amount, external_payment_id, status, entry_id, created_at
		)
		values(
			gen_random_uuid(), $1, $2, nullif($3,''), $4, $5, $6, $7, to_timestamp($8)
		)
		returning gift_id::text
	`

	sqlSelectGiftByPaymentID = `
		select gift_id::text, purchaser_account_id::text, recipient_email,
			coalesce(recipient_account_id::text,''), credits_amount,
			external_payment_id, status, entry_id::text,
			extract(epoch from created_at)::bigint
		from gift_transfers
		where external_payment_id = $1
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// session carries every Store operation over either a pool or an open
// transaction.
type session struct {
	q querier
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	session
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	session
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Store = (*TxStore)(nil)
)

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	store := &Store{pool: pool}
	store.session.q = pool
	return store
}

// WithTx opens a transaction and commits it when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	transactionStore.session.q = tx
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx joins the already-open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (s *session) GetOrCreateAccountID(ctx context.Context, learnerID ledger.LearnerID) (ledger.AccountID, error) {
	var accountIDValue string
	if err := s.q.QueryRow(ctx, sqlInsertOrGetAccount, learnerID.String()).Scan(&accountIDValue); err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, nil
}

func (s *session) RegisterEmail(ctx context.Context, accountID ledger.AccountID, email string) error {
	tag, err := s.q.Exec(ctx, sqlRegisterEmail, accountID.String(), email)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeRegisterEmail, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeRegisterEmail, ledger.ErrUnknownAccount)
	}
	return nil
}

func (s *session) FindAccountIDByEmail(ctx context.Context, email string) (ledger.AccountID, bool, error) {
	var accountIDValue string
	err := s.q.QueryRow(ctx, sqlFindAccountByEmail, email).Scan(&accountIDValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.AccountID{}, false, nil
	}
	if err != nil {
		return ledger.AccountID{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.AccountID{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, true, nil
}

func (s *session) GetBalances(ctx context.Context, accountID ledger.AccountID) (ledger.BalanceSnapshot, error) {
	return s.readBalances(ctx, accountID, sqlSelectBalances, errorCodeGet)
}

func (s *session) LockBalances(ctx context.Context, accountID ledger.AccountID) (ledger.BalanceSnapshot, error) {
	return s.readBalances(ctx, accountID, sqlSelectBalancesForUpdate, errorCodeLock)
}

func (s *session) readBalances(ctx context.Context, accountID ledger.AccountID, query string, code string) (ledger.BalanceSnapshot, error) {
	var snapshot ledger.BalanceSnapshot
	err := s.q.QueryRow(ctx, query, accountID.String()).Scan(
		&snapshot.WalletCents,
		&snapshot.Credits,
		&snapshot.TrialCreditsIssued,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, code, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, code, err)
	}
	return snapshot, nil
}

func (s *session) AdjustWallet(ctx context.Context, accountID ledger.AccountID, deltaCents int64, enforceFloor bool) error {
	return s.adjustColumn(ctx, accountID, "wallet_cents", deltaCents, enforceFloor, ledger.ErrInsufficientFunds)
}

func (s *session) AdjustCredits(ctx context.Context, accountID ledger.AccountID, delta int64, enforceFloor bool) error {
	return s.adjustColumn(ctx, accountID, "credit_balance", delta, enforceFloor, ledger.ErrInsufficientCredits)
}

func (s *session) adjustColumn(ctx context.Context, accountID ledger.AccountID, column string, delta int64, enforceFloor bool, floorErr error) error {
	query := adjustQuery(column, enforceFloor)
	tag, err := s.q.Exec(ctx, query, accountID.String(), delta)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBalances(ctx, accountID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, floorErr)
	}
	return nil
}

func (s *session) IncrementTrialCredits(ctx context.Context, accountID ledger.AccountID) error {
	tag, err := s.q.Exec(ctx, sqlIncrementTrialCredits, accountID.String())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrUnknownAccount)
	}
	return nil
}

func (s *session) InsertEntry(ctx context.Context, input ledger.EntryInput) (ledger.EntryID, error) {
	var entryIDValue string
	err := s.q.QueryRow(ctx, sqlInsertEntry,
		input.AccountID.String(),
		input.Kind.String(),
		input.Amount,
		input.Status.String(),
		input.IdempotencyKey.String(),
		input.ReferenceID,
		input.Description,
		input.MetadataJSON.String(),
		input.CreatedUnixUTC,
	).Scan(&entryIDValue)
	if isIdempotencyConflict(err) {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entryID, nil
}

func (s *session) FindEntryByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	if key.IsZero() {
		return ledger.Entry{}, false, nil
	}
	row := s.q.QueryRow(ctx, sqlSelectEntryByKey, key.String())
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

func (s *session) TransitionEntryStatus(ctx context.Context, entryID ledger.EntryID, from ledger.EntryStatus, to ledger.EntryStatus) error {
	if !from.CanTransitionTo(to) {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrInvalidEntryStatus)
	}
	tag, err := s.q.Exec(ctx, sqlUpdateEntryStatus, entryID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx, sqlEntryExists, entryID.String()).Scan(&exists); err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrUnknownEntry)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrEntryClosed)
	}
	return nil
}

func (s *session) ListEntries(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Entry, error) {
	rows, err := s.q.Query(ctx, sqlListEntries, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (s *session) SumConfirmed(ctx context.Context, accountID ledger.AccountID, domain ledger.BalanceDomain) (int64, error) {
	kinds := ledger.KindsForDomain(domain)
	kindValues := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		kindValues = append(kindValues, kind.String())
	}
	var sum int64
	if err := s.q.QueryRow(ctx, sqlSumConfirmed, accountID.String(), kindValues).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumConfirmed, err)
	}
	return sum, nil
}

func (s *session) CreateGiftTransfer(ctx context.Context, input ledger.GiftTransferInput) (string, error) {
	recipientAccountID := ""
	if input.RecipientAccountID != nil {
		recipientAccountID = input.RecipientAccountID.String()
	}
	var giftID string
	err := s.q.QueryRow(ctx, sqlInsertGiftTransfer,
		input.PurchaserAccountID.String(),
		input.RecipientEmail,
		recipientAccountID,
		input.CreditsAmount,
		input.ExternalPaymentID,
		input.Status.String(),
		input.EntryID.String(),
		input.CreatedUnixUTC,
	).Scan(&giftID)
	if err != nil {
		return "", wrapStoreError(errorSubjectGift, errorCodeCreate, err)
	}
	return giftID, nil
}

func (s *session) GetGiftTransferByPaymentID(ctx context.Context, externalPaymentID string) (ledger.GiftTransfer, bool, error) {
	var (
		gift           ledger.GiftTransfer
		purchaserValue string
		recipientValue string
		statusValue    string
		entryIDValue   string
	)
	err := s.q.QueryRow(ctx, sqlSelectGiftByPaymentID, externalPaymentID).Scan(
		&gift.GiftID,
		&purchaserValue,
		&gift.RecipientEmail,
		&recipientValue,
		&gift.CreditsAmount,
		&gift.ExternalPaymentID,
		&statusValue,
		&entryIDValue,
		&gift.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.GiftTransfer{}, false, nil
	}
	if err != nil {
		return ledger.GiftTransfer{}, false, wrapStoreError(errorSubjectGift, errorCodeGet, err)
	}
	purchaserAccountID, err := ledger.NewAccountID(purchaserValue)
	if err != nil {
		return ledger.GiftTransfer{}, false, wrapStoreError(errorSubjectGift, errorCodeInvalid, err)
	}
	gift.PurchaserAccountID = purchaserAccountID
	if recipientValue != "" {
		recipientAccountID, err := ledger.NewAccountID(recipientValue)
		if err != nil {
			return ledger.GiftTransfer{}, false, wrapStoreError(errorSubjectGift, errorCodeInvalid, err)
		}
		gift.RecipientAccountID = &recipientAccountID
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.GiftTransfer{}, false, wrapStoreError(errorSubjectGift, errorCodeInvalid, err)
	}
	gift.EntryID = entryID
	gift.Status = ledger.GiftStatus(statusValue)
	return gift, true, nil
}

func adjustQuery(column string, enforceFloor bool) string {
	template := sqlAdjustBalance
	if enforceFloor {
		template = sqlAdjustBalanceFloor
	}
	return fmt.Sprintf(template, column)
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		entryIDValue   string
		accountIDValue string
		kindValue      string
		amount         int64
		statusValue    string
		keyValue       string
		referenceID    string
		description    string
		metadataValue  string
		createdUnixUTC int64
	)
	if err := row.Scan(&entryIDValue, &accountIDValue, &kindValue, &amount, &statusValue, &keyValue, &referenceID, &description, &metadataValue, &createdUnixUTC); err != nil {
		return ledger.Entry{}, err
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(kindValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(statusValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	var idempotencyKey ledger.IdempotencyKey
	if keyValue != "" {
		idempotencyKey, err = ledger.NewIdempotencyKey(keyValue)
		if err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        entryID,
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

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotencyKey
	}
	return false
}
