package quota

const (
	// DefaultDailyAllotment is the credit balance an account rolls over to on a new calendar day.
	DefaultDailyAllotment Credits = 10
	// DefaultReferralBonus is the credit granted to a referrer per referred registration.
	DefaultReferralBonus Credits = 1

	calendarDateLayout = "2006-01-02"

	operationRegister       = "register"
	operationReset          = "reset"
	operationDebit          = "debit"
	operationCreditReferrer = "credit_referrer"
	operationNotifyReferrer = "notify_referrer"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	defaultHistoryLimit = 10
	maxHistoryLimit     = 50
)
