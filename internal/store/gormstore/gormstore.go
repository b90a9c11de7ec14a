// Package gormstore implements ledger.Store using GORM, targeting
// PostgreSQL in production and sqlite for local runs and tests.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tutorloop/ledger/pkg/ledger"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	sqliteDialectName             = "sqlite"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectGift              = "gift"
	errorCodeAdjust               = "adjust"
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
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

var _ ledger.Store = (*Store)(nil)

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Production PostgreSQL deployments manage
// migrations externally; this covers sqlite and test databases.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &GiftTransfer{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, learnerID ledger.LearnerID) (ledger.AccountID, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "learner_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"learner_id": clause.Expr{SQL: "excluded.learner_id"},
			}),
		}).
		FirstOrCreate(&account, Account{LearnerID: learnerID.String()}).Error
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(account.AccountID)
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, nil
}

func (store *Store) RegisterEmail(ctx context.Context, accountID ledger.AccountID, email string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("email", email)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeRegisterEmail, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeRegisterEmail, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) FindAccountIDByEmail(ctx context.Context, email string) (ledger.AccountID, bool, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("email = ?", email).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.AccountID{}, false, nil
	}
	if err != nil {
		return ledger.AccountID{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(account.AccountID)
	if err != nil {
		return ledger.AccountID{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, true, nil
}

func (store *Store) GetBalances(ctx context.Context, accountID ledger.AccountID) (ledger.BalanceSnapshot, error) {
	return store.readBalances(ctx, accountID, false)
}

func (store *Store) LockBalances(ctx context.Context, accountID ledger.AccountID) (ledger.BalanceSnapshot, error) {
	return store.readBalances(ctx, accountID, true)
}

func (store *Store) readBalances(ctx context.Context, accountID ledger.AccountID, exclusive bool) (ledger.BalanceSnapshot, error) {
	query := store.db.WithContext(ctx)
	// sqlite has a single writer and no row locks; FOR UPDATE is a
	// postgres-only clause.
	if exclusive && store.db.Dialector.Name() != sqliteDialectName {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Where("account_id = ?", accountID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		code := errorCodeGet
		if exclusive {
			code = errorCodeLock
		}
		return ledger.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, code, err)
	}
	return ledger.BalanceSnapshot{
		WalletCents:        account.WalletCents,
		Credits:            account.CreditBalance,
		TrialCreditsIssued: account.TrialCreditsIssued,
	}, nil
}

func (store *Store) AdjustWallet(ctx context.Context, accountID ledger.AccountID, deltaCents int64, enforceFloor bool) error {
	return store.adjustColumn(ctx, accountID, "wallet_cents", deltaCents, enforceFloor, ledger.ErrInsufficientFunds)
}

func (store *Store) AdjustCredits(ctx context.Context, accountID ledger.AccountID, delta int64, enforceFloor bool) error {
	return store.adjustColumn(ctx, accountID, "credit_balance", delta, enforceFloor, ledger.ErrInsufficientCredits)
}

// adjustColumn is the atomic check-and-set: the floor condition lives in
// the UPDATE itself, so concurrent callers can never both pass a check
// against a stale balance.
func (store *Store) adjustColumn(ctx context.Context, accountID ledger.AccountID, column string, delta int64, enforceFloor bool, floorErr error) error {
	query := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String())
	if enforceFloor {
		query = query.Where(column+" + ? >= 0", delta)
	}
	result := query.Update(column, gorm.Expr(column+" + ?", delta))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.readBalances(ctx, accountID, false); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, floorErr)
	}
	return nil
}

func (store *Store) IncrementTrialCredits(ctx context.Context, accountID ledger.AccountID) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("trial_credits_issued", gorm.Expr("trial_credits_issued + 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, input ledger.EntryInput) (ledger.EntryID, error) {
	row := LedgerEntry{
		EntryID:     uuid.NewString(),
		AccountID:   input.AccountID.String(),
		Kind:        input.Kind.String(),
		Amount:      input.Amount,
		Status:      input.Status.String(),
		Description: input.Description,
		Metadata:    datatypesJSON(input.MetadataJSON.String()),
		CreatedAt:   time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if !input.IdempotencyKey.IsZero() {
		key := input.IdempotencyKey.String()
		row.IdempotencyKey = &key
	}
	if input.ReferenceID != "" {
		reference := input.ReferenceID
		row.ReferenceID = &reference
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entryID, nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	if key.IsZero() {
		return ledger.Entry{}, false, nil
	}
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

func (store *Store) TransitionEntryStatus(ctx context.Context, entryID ledger.EntryID, from ledger.EntryStatus, to ledger.EntryStatus) error {
	if !from.CanTransitionTo(to) {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrInvalidEntryStatus)
	}
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", entryID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&LedgerEntry{}).Where("entry_id = ?", entryID.String()).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrUnknownEntry)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, ledger.ErrEntryClosed)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC, entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumConfirmed(ctx context.Context, accountID ledger.AccountID, domain ledger.BalanceDomain) (int64, error) {
	kinds := ledger.KindsForDomain(domain)
	kindValues := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		kindValues = append(kindValues, kind.String())
	}
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ? AND status = ? AND kind IN ?", accountID.String(), ledger.StatusConfirmed.String(), kindValues).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumConfirmed, err)
	}
	return sum.Total, nil
}

func (store *Store) CreateGiftTransfer(ctx context.Context, input ledger.GiftTransferInput) (string, error) {
	row := GiftTransfer{
		GiftID:             uuid.NewString(),
		PurchaserAccountID: input.PurchaserAccountID.String(),
		RecipientEmail:     input.RecipientEmail,
		CreditsAmount:      input.CreditsAmount,
		ExternalPaymentID:  input.ExternalPaymentID,
		Status:             input.Status.String(),
		EntryID:            input.EntryID.String(),
		CreatedAt:          time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if input.RecipientAccountID != nil {
		recipient := input.RecipientAccountID.String()
		row.RecipientAccountID = &recipient
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", wrapStoreError(errorSubjectGift, errorCodeCreate, err)
	}
	return row.GiftID, nil
}

func (store *Store) GetGiftTransferByPaymentID(ctx context.Context, externalPaymentID string) (ledger.GiftTransfer, bool, error) {
	var row GiftTransfer
	err := store.db.WithContext(ctx).
		Where("external_payment_id = ?", externalPaymentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.GiftTransfer{}, false, nil
	}
	if err != nil {
		return ledger.GiftTransfer{}, false, wrapStoreError(errorSubjectGift, errorCodeGet, err)
	}
	gift, err := mapGiftTransfer(row)
	if err != nil {
		return ledger.GiftTransfer{}, false, wrapStoreError(errorSubjectGift, errorCodeInvalid, err)
	}
	return gift, true, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	var idempotencyKey ledger.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	referenceID := ""
	if row.ReferenceID != nil {
		referenceID = *row.ReferenceID
	}
	return ledger.Entry{
		EntryID:        entryID,
		AccountID:      accountID,
		Kind:           kind,
		Amount:         row.Amount,
		Status:         status,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    referenceID,
		Description:    row.Description,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapGiftTransfer(row GiftTransfer) (ledger.GiftTransfer, error) {
	purchaserAccountID, err := ledger.NewAccountID(row.PurchaserAccountID)
	if err != nil {
		return ledger.GiftTransfer{}, err
	}
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.GiftTransfer{}, err
	}
	gift := ledger.GiftTransfer{
		GiftID:             row.GiftID,
		PurchaserAccountID: purchaserAccountID,
		RecipientEmail:     row.RecipientEmail,
		CreditsAmount:      row.CreditsAmount,
		ExternalPaymentID:  row.ExternalPaymentID,
		Status:             ledger.GiftStatus(row.Status),
		EntryID:            entryID,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
	}
	if row.RecipientAccountID != nil {
		recipientAccountID, err := ledger.NewAccountID(*row.RecipientAccountID)
		if err != nil {
			return ledger.GiftTransfer{}, err
		}
		gift.RecipientAccountID = &recipientAccountID
	}
	return gift, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
