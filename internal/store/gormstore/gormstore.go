package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintAccountsPrimary = "accounts_pkey"
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	sqliteConstraintCode      = 19
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectReceipt       = "receipt"
	errorSubjectDatabase      = "database"
	errorCodeCreate           = "create"
	errorCodeCredit           = "credit"
	errorCodeDebit            = "debit"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodePing             = "ping"
	errorCodeReset            = "reset"
)

// Store implements quota.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the tables used by Store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, userID quota.UserID) (quota.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.Int64()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, quota.ErrAccountNotFound)
		}
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) CreateAccount(ctx context.Context, account quota.Account) error {
	model := Account{
		UserID:           account.UserID().Int64(),
		CreditsRemaining: account.Credits().Int64(),
		TotalReferrals:   account.Referrals(),
		LastResetDate:    account.LastResetDate().String(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isAccountConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, quota.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ResetAccount(ctx context.Context, userID quota.UserID, credits quota.Credits, today quota.CalendarDate) error {
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND last_reset_date <> ?", userID.Int64(), today.String()).
		Updates(map[string]any{
			"credits_remaining": credits.Int64(),
			"last_reset_date":   today.String(),
			"updated_at":        time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeReset, err)
	}
	return nil
}

func (store *Store) DebitAccount(ctx context.Context, userID quota.UserID, amount quota.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND credits_remaining >= ?", userID.Int64(), amount.Int64()).
		Updates(map[string]any{
			"credits_remaining": gorm.Expr("credits_remaining - ?", amount.Int64()),
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := store.GetAccount(ctx, userID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectAccount, errorCodeDebit, quota.ErrInsufficientCredits)
}

func (store *Store) CreditAccount(ctx context.Context, userID quota.UserID, credits quota.Credits, referrals int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.Int64()).
		Updates(map[string]any{
			"credits_remaining": gorm.Expr("credits_remaining + ?", credits.Int64()),
			"total_referrals":   gorm.Expr("total_referrals + ?", referrals),
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCredit, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) InsertReceipt(ctx context.Context, receipt quota.Receipt) error {
	model := LookupReceipt{
		ReceiptID:    receipt.ReceiptID(),
		UserID:       receipt.UserID().Int64(),
		Query:        receipt.Query(),
		StatusCode:   receipt.StatusCode(),
		CreditsAfter: receipt.CreditsAfter().Int64(),
		Metadata:     datatypesJSON(receipt.Metadata().String()),
		CreatedAt:    receipt.CreatedAt(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReceipt, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListReceipts(ctx context.Context, userID quota.UserID, limit int) ([]quota.Receipt, error) {
	var rows []LookupReceipt
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.Int64()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReceipt, errorCodeList, err)
	}

	receipts := make([]quota.Receipt, 0, len(rows))
	for _, row := range rows {
		receipt, err := mapReceipt(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReceipt, errorCodeInvalid, err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectDatabase, errorCodePing, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectDatabase, errorCodePing, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return quota.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(row Account) (quota.Account, error) {
	userID, err := quota.NewUserID(row.UserID)
	if err != nil {
		return quota.Account{}, err
	}
	credits, err := quota.NewCredits(row.CreditsRemaining)
	if err != nil {
		return quota.Account{}, err
	}
	lastResetDate, err := quota.ParseCalendarDate(row.LastResetDate)
	if err != nil {
		return quota.Account{}, err
	}
	return quota.NewAccount(userID, credits, row.TotalReferrals, lastResetDate)
}

func mapReceipt(row LookupReceipt) (quota.Receipt, error) {
	userID, err := quota.NewUserID(row.UserID)
	if err != nil {
		return quota.Receipt{}, err
	}
	creditsAfter, err := quota.NewCredits(row.CreditsAfter)
	if err != nil {
		return quota.Receipt{}, err
	}
	metadata, err := quota.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return quota.Receipt{}, err
	}
	return quota.NewReceipt(row.ReceiptID, userID, row.Query, row.StatusCode, creditsAfter, metadata, row.CreatedAt)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isAccountConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountsPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
