package quota

import "context"

// ParseReferralToken resolves the referrer named by a registration token.
// Malformed tokens and self-referrals are rejected silently.
func ParseReferralToken(raw string, newUserID UserID) (UserID, bool) {
	referrerID, err := ParseUserID(raw)
	if err != nil {
		return UserID{}, false
	}
	if referrerID == newUserID {
		return UserID{}, false
	}
	return referrerID, true
}

// ReferralNotifier tells a referrer that somebody registered through their link
// and how many credits it earned them.
type ReferralNotifier interface {
	NotifyReferral(ctx context.Context, referrerID UserID, referredID UserID, bonus Credits) error
}
