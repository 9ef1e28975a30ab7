package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	constraintProcessedEventPK    = "processed_events_pkey"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	dialectPostgres               = "postgres"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectEvent             = "event"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodeSum                  = "sum"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount upserts the account row and reports whether this call
// created it. The returned row is read under a row lock on postgres so that
// subsequent mutations in the same transaction serialize per account; sqlite
// has no FOR UPDATE and relies on its database-level writer lock instead.
func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID, kind ledger.AccountKind) (ledger.Account, bool, error) {
	model := Account{
		AccountID:    accountID.String(),
		Kind:         kind.String(),
		CurrencyCode: ledger.DefaultCurrencyCode,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	created := result.RowsAffected == 1
	account, err := store.lockedAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return account, created, nil
}

// GetAccount fetches an existing account under the per-account lock.
func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.lockedAccount(ctx, accountID)
}

func (store *Store) lockedAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	tx := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := tx.Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	kind, err := ledger.ParseAccountKind(model.Kind)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:      model.AccountID,
		Kind:           kind,
		CurrencyCode:   model.CurrencyCode,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

// SumBalance returns the signed sum of all entry deltas for an account.
func (store *Store) SumBalance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta_credits),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

// InsertEntry appends one immutable ledger entry and returns its id.
func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (string, error) {
	var sourceEventID *string
	if entryInput.SourceEventID != "" {
		value := entryInput.SourceEventID
		sourceEventID = &value
	}
	entry := LedgerEntry{
		AccountID:      entryInput.AccountID.String(),
		Reason:         entryInput.Reason.String(),
		DeltaCredits:   entryInput.Delta.Int64(),
		SourceEventID:  sourceEventID,
		IdempotencyKey: entryInput.IdempotencyKey.String(),
		Metadata:       datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return "", wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return entry.EntryID, nil
}

// GetEntry fetches one entry scoped to its account.
func (store *Store) GetEntry(ctx context.Context, accountID ledger.AccountID, entryID ledger.EntryID) (ledger.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND entry_id = ?", accountID.String(), entryID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

// FindEntryByKey looks up an entry by its idempotency key within an account.
func (store *Store) FindEntryByKey(ctx context.Context, accountID ledger.AccountID, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), idempotencyKey.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// MarkEventProcessed records the provider event id, failing with
// ErrEventAlreadyProcessed when it was recorded before. Runs in the same
// transaction as the grant it guards, so there is no check-then-act window.
func (store *Store) MarkEventProcessed(ctx context.Context, eventID ledger.EventID, processedUnixUTC int64) error {
	record := ProcessedEvent{
		EventID:     eventID.String(),
		ProcessedAt: time.Unix(processedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err, constraintProcessedEventPK) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrEventAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ListEntries returns entries for an account before a cutoff, newest first.
func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
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

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	reason, err := ledger.ParseEntryReason(row.Reason)
	if err != nil {
		return ledger.Entry{}, err
	}
	sourceEventID := ""
	if row.SourceEventID != nil {
		sourceEventID = *row.SourceEventID
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		Reason:         reason,
		DeltaCredits:   row.DeltaCredits,
		SourceEventID:  sourceEventID,
		IdempotencyKey: row.IdempotencyKey,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
