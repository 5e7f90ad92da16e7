package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID identifies an account owner. Values are positive chat identifiers.
type UserID struct {
	value int64
}

// Credits counts remaining lookups.
type Credits int64

// CalendarDate is a day without a time component, formatted as YYYY-MM-DD.
type CalendarDate struct {
	value string
}

// MetadataJSON stores arbitrary receipt metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates a numeric user id.
func NewUserID(raw int64) (UserID, error) {
	if raw <= 0 {
		return UserID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidUserID)
	}
	return UserID{value: raw}, nil
}

// ParseUserID parses a textual user id. Only plain ASCII digits are accepted.
func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	for index := 0; index < len(raw); index++ {
		if raw[index] < '0' || raw[index] > '9' {
			return UserID{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidUserID, raw)
		}
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return UserID{}, fmt.Errorf("%w: %q is out of range", ErrInvalidUserID, raw)
	}
	return NewUserID(parsed)
}

// Int64 returns the raw identifier.
func (id UserID) Int64() int64 {
	return id.value
}

// String returns the decimal identifier.
func (id UserID) String() string {
	return strconv.FormatInt(id.value, 10)
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == 0
}

// NewCredits validates a credit balance and ensures it is not negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// ParseCalendarDate validates a YYYY-MM-DD date.
func ParseCalendarDate(raw string) (CalendarDate, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse(calendarDateLayout, trimmed)
	if err != nil {
		return CalendarDate{}, fmt.Errorf("%w: %q", ErrInvalidCalendarDate, raw)
	}
	return CalendarDate{value: parsed.Format(calendarDateLayout)}, nil
}

// CalendarDateOf returns the calendar date of moment in its own location.
func CalendarDateOf(moment time.Time) CalendarDate {
	return CalendarDate{value: moment.Format(calendarDateLayout)}
}

// String returns the YYYY-MM-DD form.
func (date CalendarDate) String() string {
	return date.value
}

// IsZero reports whether the date was never set.
func (date CalendarDate) IsZero() bool {
	return date.value == ""
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
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Account is the persistent per-user quota state.
type Account struct {
	userID        UserID
	credits       Credits
	referrals     int64
	lastResetDate CalendarDate
}

// NewAccount validates account fields.
func NewAccount(userID UserID, credits Credits, referrals int64, lastResetDate CalendarDate) (Account, error) {
	if userID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if credits < 0 {
		return Account{}, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	if referrals < 0 {
		return Account{}, fmt.Errorf("%w: must not be negative", ErrInvalidReferrals)
	}
	if lastResetDate.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidCalendarDate)
	}
	return Account{
		userID:        userID,
		credits:       credits,
		referrals:     referrals,
		lastResetDate: lastResetDate,
	}, nil
}

// UserID returns the owner.
func (account Account) UserID() UserID {
	return account.userID
}

// Credits returns the remaining credits.
func (account Account) Credits() Credits {
	return account.credits
}

// Referrals returns how many accounts registered through this account's link.
func (account Account) Referrals() int64 {
	return account.referrals
}

// LastResetDate returns the date of the most recent daily reset.
func (account Account) LastResetDate() CalendarDate {
	return account.lastResetDate
}

// Registration describes the outcome of Service.Register.
type Registration struct {
	Account  Account
	Created  bool
	Referred bool
	Referrer UserID
}

// ReceiptDraft carries the settlement details recorded with a debit.
type ReceiptDraft struct {
	Query      string
	StatusCode int
	Metadata   MetadataJSON
}

// Receipt is an immutable record of a settled lookup.
type Receipt struct {
	receiptID    string
	userID       UserID
	query        string
	statusCode   int
	creditsAfter Credits
	metadata     MetadataJSON
	createdAt    time.Time
}

// NewReceipt validates receipt fields.
func NewReceipt(receiptID string, userID UserID, query string, statusCode int, creditsAfter Credits, metadata MetadataJSON, createdAt time.Time) (Receipt, error) {
	if strings.TrimSpace(receiptID) == "" {
		return Receipt{}, fmt.Errorf("%w: empty value", ErrInvalidReceiptID)
	}
	if userID.IsZero() {
		return Receipt{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if creditsAfter < 0 {
		return Receipt{}, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Receipt{
		receiptID:    strings.TrimSpace(receiptID),
		userID:       userID,
		query:        query,
		statusCode:   statusCode,
		creditsAfter: creditsAfter,
		metadata:     metadata,
		createdAt:    createdAt.UTC(),
	}, nil
}

func (receipt Receipt) ReceiptID() string { return receipt.receiptID }
func (receipt Receipt) UserID() UserID { return receipt.userID }
func (receipt Receipt) Query() string { return receipt.query }
func (receipt Receipt) StatusCode() int { return receipt.statusCode }
func (receipt Receipt) CreditsAfter() Credits { return receipt.creditsAfter }
func (receipt Receipt) Metadata() MetadataJSON { return receipt.metadata }
func (receipt Receipt) CreatedAt() time.Time { return receipt.createdAt }

// Store is the persistence contract used by Service.
// gormstore and pgstore implement it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
	// ResetAccount writes credits and date unless the stored date already equals today.
	ResetAccount(ctx context.Context, userID UserID, credits Credits, today CalendarDate) error
	// DebitAccount decrements credits only when the balance covers amount.
	DebitAccount(ctx context.Context, userID UserID, amount Credits) error
	// CreditAccount reports false when the account does not exist.
	CreditAccount(ctx context.Context, userID UserID, credits Credits, referrals int64) (bool, error)
	InsertReceipt(ctx context.Context, receipt Receipt) error
	ListReceipts(ctx context.Context, userID UserID, limit int) ([]Receipt, error)
	Ping(ctx context.Context) error
}
