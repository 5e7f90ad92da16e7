package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/store/pgstore/migrations"
	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	constraintAccountsPrimary = "accounts_pkey"
	gooseDialect              = "pgx"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectReceipt       = "receipt"
	errorSubjectTransaction   = "transaction"
	errorSubjectDatabase      = "database"
	errorSubjectSchema        = "schema"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCreate           = "create"
	errorCodeCredit           = "credit"
	errorCodeDebit            = "debit"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeMigrate          = "migrate"
	errorCodePing             = "ping"
	errorCodeReset            = "reset"

	sqlSelectAccount = `
		select user_id, credits_remaining, total_referrals, last_reset_date
		from accounts
		where user_id = $1
	`

	sqlInsertAccount = `
		insert into accounts(user_id, credits_remaining, total_referrals, last_reset_date)
		values ($1, $2, $3, $4)
	`

	sqlResetAccount = `
		update accounts
		set credits_remaining = $2, last_reset_date = $3, updated_at = now()
		where user_id = $1 and last_reset_date <> $3
	`

	sqlDebitAccount = `
		update accounts
		set credits_remaining = credits_remaining - $2, updated_at = now()
		where user_id = $1 and credits_remaining >= $2
	`

	sqlCreditAccount = `
		update accounts
		set credits_remaining = credits_remaining + $2, total_referrals = total_referrals + $3, updated_at = now()
		where user_id = $1
	`

	sqlInsertReceipt = `
		insert into lookup_receipts(receipt_id, user_id, query, status_code, credits_after, metadata, created_at)
		values ($1, $2, $3, $4, $5, coalesce(nullif($6,''),'{}')::jsonb, $7)
	`

	sqlListReceipts = `
		select receipt_id::text, user_id, query, status_code, credits_after, coalesce(metadata::text,'{}'), created_at
		from lookup_receipts
		where user_id = $1
		order by created_at desc
		limit $2
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements quota.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements quota.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return wrapStoreError(errorSubjectDatabase, errorCodePing, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) Ping(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, "select 1"); err != nil {
		return wrapStoreError(errorSubjectDatabase, errorCodePing, err)
	}
	return nil
}

func (q queries) GetAccount(ctx context.Context, userID quota.UserID) (quota.Account, error) {
	var (
		userValue     int64
		creditsValue  int64
		referrals     int64
		lastResetDate string
	)
	err := q.db.QueryRow(ctx, sqlSelectAccount, userID.Int64()).Scan(&userValue, &creditsValue, &referrals, &lastResetDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, quota.ErrAccountNotFound)
		}
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := buildAccount(userValue, creditsValue, referrals, lastResetDate)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (q queries) CreateAccount(ctx context.Context, account quota.Account) error {
	_, err := q.db.Exec(ctx, sqlInsertAccount,
		account.UserID().Int64(),
		account.Credits().Int64(),
		account.Referrals(),
		account.LastResetDate().String(),
	)
	if isAccountConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, quota.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (q queries) ResetAccount(ctx context.Context, userID quota.UserID, credits quota.Credits, today quota.CalendarDate) error {
	if _, err := q.db.Exec(ctx, sqlResetAccount, userID.Int64(), credits.Int64(), today.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeReset, err)
	}
	return nil
}

func (q queries) DebitAccount(ctx context.Context, userID quota.UserID, amount quota.Credits) error {
	tag, err := q.db.Exec(ctx, sqlDebitAccount, userID.Int64(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := q.GetAccount(ctx, userID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectAccount, errorCodeDebit, quota.ErrInsufficientCredits)
}

func (q queries) CreditAccount(ctx context.Context, userID quota.UserID, credits quota.Credits, referrals int64) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlCreditAccount, userID.Int64(), credits.Int64(), referrals)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q queries) InsertReceipt(ctx context.Context, receipt quota.Receipt) error {
	createdAt := receipt.CreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, sqlInsertReceipt,
		receipt.ReceiptID(),
		receipt.UserID().Int64(),
		receipt.Query(),
		receipt.StatusCode(),
		receipt.CreditsAfter().Int64(),
		receipt.Metadata().String(),
		createdAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReceipt, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListReceipts(ctx context.Context, userID quota.UserID, limit int) ([]quota.Receipt, error) {
	rows, err := q.db.Query(ctx, sqlListReceipts, userID.Int64(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReceipt, errorCodeList, err)
	}
	defer rows.Close()
	receipts, err := scanReceipts(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReceipt, errorCodeInvalid, err)
	}
	return receipts, nil
}

func scanReceipts(rows pgx.Rows) ([]quota.Receipt, error) {
	var receipts []quota.Receipt
	for rows.Next() {
		var (
			receiptID    string
			userValue    int64
			query        string
			statusCode   int
			creditsAfter int64
			metadataText string
			createdAt    time.Time
		)
		if err := rows.Scan(&receiptID, &userValue, &query, &statusCode, &creditsAfter, &metadataText, &createdAt); err != nil {
			return nil, err
		}
		userID, err := quota.NewUserID(userValue)
		if err != nil {
			return nil, err
		}
		credits, err := quota.NewCredits(creditsAfter)
		if err != nil {
			return nil, err
		}
		metadata, err := quota.NewMetadataJSON(metadataText)
		if err != nil {
			return nil, err
		}
		receipt, err := quota.NewReceipt(receiptID, userID, query, statusCode, credits, metadata, createdAt)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

func buildAccount(userValue int64, creditsValue int64, referrals int64, lastResetValue string) (quota.Account, error) {
	userID, err := quota.NewUserID(userValue)
	if err != nil {
		return quota.Account{}, err
	}
	credits, err := quota.NewCredits(creditsValue)
	if err != nil {
		return quota.Account{}, err
	}
	lastResetDate, err := quota.ParseCalendarDate(lastResetValue)
	if err != nil {
		return quota.Account{}, err
	}
	return quota.NewAccount(userID, credits, referrals, lastResetDate)
}

func wrapStoreError(subject string, code string, err error) error {
	return quota.WrapError(errorOperationStore, subject, code, err)
}

func isAccountConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountsPrimary
}
