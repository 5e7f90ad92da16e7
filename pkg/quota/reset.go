package quota

import "time"

// ApplyDailyReset rolls credits over to allotment when the account was last reset before today.
// An account untouched for several days resets to allotment once, never to a multiple of it.
func ApplyDailyReset(account Account, today CalendarDate, allotment Credits) Account {
	if account.lastResetDate == today {
		return account
	}
	account.credits = allotment
	account.lastResetDate = today
	return account
}

// calendar derives "today" from a wall clock in a fixed location.
type calendar struct {
	now      func() time.Time
	location *time.Location
}

func (c calendar) Now() time.Time {
	return c.now().In(c.location)
}

func (c calendar) Today() CalendarDate {
	return CalendarDateOf(c.Now())
}
