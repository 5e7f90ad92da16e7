package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service owns the account credit, referral, and daily reset rules over a Store.
// Mutations on the same user id are serialized; different ids proceed concurrently.
type Service struct {
	store         Store
	calendar      calendar
	allotment     Credits
	referralBonus Credits
	logger        OperationLogger
	notifier      ReferralNotifier
	locks         *userLocks
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		calendar:      calendar{now: now, location: time.Local},
		allotment:     DefaultDailyAllotment,
		referralBonus: DefaultReferralBonus,
		locks:         newUserLocks(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.allotment <= 0 {
		return nil, fmt.Errorf("%w: daily allotment must be positive", ErrInvalidServiceConfig)
	}
	if service.referralBonus <= 0 {
		return nil, fmt.Errorf("%w: referral bonus must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Today returns the current calendar date in the configured location.
func (service *Service) Today() CalendarDate {
	return service.calendar.Today()
}

// Register creates the account on first contact and attributes an optional referral.
// Calling it again for an existing account only applies the daily reset.
// The account is committed before the referrer is credited; a failed credit is logged
// and never undoes the registration.
func (service *Service) Register(ctx context.Context, userID UserID, referralToken string) (Registration, error) {
	referrerID, hasReferrer := ParseReferralToken(referralToken, userID)
	lockedIDs := []UserID{userID}
	if hasReferrer {
		lockedIDs = append(lockedIDs, referrerID)
	}

	unlock := service.locks.lock(lockedIDs...)
	today := service.calendar.Today()
	registration, operationError := service.createOrReset(ctx, userID, today)
	if errors.Is(operationError, ErrAccountExists) {
		var account Account
		account, operationError = service.resetLocked(ctx, userID, today)
		registration = Registration{Account: account}
	}
	if operationError == nil && registration.Created && hasReferrer {
		registration.Referred = service.creditReferral(ctx, referrerID)
		if registration.Referred {
			registration.Referrer = referrerID
		}
	}
	unlock()

	service.logOperation(ctx, OperationLog{
		Operation: operationRegister,
		UserID:    userID,
		Referrer:  registration.Referrer,
		Credits:   registration.Account.Credits(),
		Error:     operationError,
	})
	if operationError != nil {
		return Registration{}, operationError
	}
	if registration.Referred {
		service.notifyReferrer(ctx, registration.Referrer, userID)
	}
	return registration, nil
}

// createOrReset returns ErrAccountExists when another writer inserted the account first.
func (service *Service) createOrReset(ctx context.Context, userID UserID, today CalendarDate) (Registration, error) {
	var registration Registration
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetAccount(ctx, userID)
		if err == nil {
			account, resetErr := service.resetInTx(ctx, transactionStore, existing, today)
			if resetErr != nil {
				return resetErr
			}
			registration = Registration{Account: account}
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		account, err := NewAccount(userID, service.allotment, 0, today)
		if err != nil {
			return err
		}
		if err := transactionStore.CreateAccount(ctx, account); err != nil {
			return err
		}
		registration = Registration{Account: account, Created: true}
		return nil
	})
	if err != nil {
		return Registration{}, err
	}
	return registration, nil
}

// creditReferral reports whether the referrer existed and was credited.
func (service *Service) creditReferral(ctx context.Context, referrerID UserID) bool {
	credited, err := service.store.CreditAccount(ctx, referrerID, service.referralBonus, 1)
	entry := OperationLog{
		Operation: operationCreditReferrer,
		UserID:    referrerID,
		Credits:   service.referralBonus,
		Error:     err,
	}
	if err == nil && !credited {
		entry.Status = operationStatusSkipped
	}
	service.logOperation(ctx, entry)
	return err == nil && credited
}

// Account returns the stored account without applying the daily reset.
func (service *Service) Account(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(ctx, userID)
}

// Profile returns the account after applying the daily reset.
func (service *Service) Profile(ctx context.Context, userID UserID) (Account, error) {
	return service.ApplyDailyReset(ctx, userID)
}

// ApplyDailyReset rolls the account's credits over when its last reset predates today.
func (service *Service) ApplyDailyReset(ctx context.Context, userID UserID) (Account, error) {
	unlock := service.locks.lock(userID)
	defer unlock()
	return service.resetLocked(ctx, userID, service.calendar.Today())
}

// resetLocked expects the caller to hold userID's lock.
func (service *Service) resetLocked(ctx context.Context, userID UserID, today CalendarDate) (Account, error) {
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		stored, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		account, err = service.resetInTx(ctx, transactionStore, stored, today)
		return err
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// DebitOne spends one credit and records the settlement receipt in the same transaction.
// It fails with ErrInsufficientCredits when the balance is already zero.
func (service *Service) DebitOne(ctx context.Context, userID UserID, draft ReceiptDraft) (Account, error) {
	unlock := service.locks.lock(userID)
	defer unlock()

	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.DebitAccount(ctx, userID, 1); err != nil {
			return err
		}
		debited, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		receipt, err := NewReceipt(
			uuid.NewString(),
			userID,
			draft.Query,
			draft.StatusCode,
			debited.Credits(),
			draft.Metadata,
			service.calendar.Now(),
		)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertReceipt(ctx, receipt); err != nil {
			return err
		}
		account = debited
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Credits:   account.Credits(),
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// CreditReferrer grants referral credit. A missing referrer is not an error.
func (service *Service) CreditReferrer(ctx context.Context, referrerID UserID, amount Credits) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidCredits)
	}
	unlock := service.locks.lock(referrerID)
	defer unlock()

	credited, operationError := service.store.CreditAccount(ctx, referrerID, amount, 1)
	entry := OperationLog{
		Operation: operationCreditReferrer,
		UserID:    referrerID,
		Credits:   amount,
		Error:     operationError,
	}
	if operationError == nil && !credited {
		entry.Status = operationStatusSkipped
	}
	service.logOperation(ctx, entry)
	return operationError
}

// History lists the most recent settled lookups, newest first.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := service.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return service.store.ListReceipts(ctx, userID, limit)
}

// Ping verifies the store is reachable.
func (service *Service) Ping(ctx context.Context) error {
	return service.store.Ping(ctx)
}

func (service *Service) resetInTx(ctx context.Context, transactionStore Store, stored Account, today CalendarDate) (Account, error) {
	account := ApplyDailyReset(stored, today, service.allotment)
	if account == stored {
		return account, nil
	}
	err := transactionStore.ResetAccount(ctx, account.UserID(), account.Credits(), today)
	service.logOperation(ctx, OperationLog{
		Operation: operationReset,
		UserID:    account.UserID(),
		Credits:   account.Credits(),
		Error:     err,
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (service *Service) notifyReferrer(ctx context.Context, referrerID UserID, referredID UserID) {
	if service.notifier == nil {
		return
	}
	err := service.notifier.NotifyReferral(ctx, referrerID, referredID, service.referralBonus)
	service.logOperation(ctx, OperationLog{
		Operation: operationNotifyReferrer,
		UserID:    referredID,
		Referrer:  referrerID,
		Error:     err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
