package lookup

import "github.com/MarkoPoloResearchLab/quotabot/pkg/quota"

// Outcome is the terminal state of one lookup request.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeAccessDenied       Outcome = "access_denied"
	OutcomeNotRegistered      Outcome = "not_registered"
	OutcomeQuotaExhausted     Outcome = "quota_exhausted"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeBadArgument        Outcome = "bad_argument"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
	OutcomeServiceError       Outcome = "service_error"
)

// String returns the wire name.
func (outcome Outcome) String() string {
	return string(outcome)
}

// Result describes how a lookup ended.
type Result struct {
	Outcome Outcome
	// Payload is the upstream body; set only on success.
	Payload string
	// RetryAfterSeconds is set only when rate limited.
	RetryAfterSeconds int
	// CreditsRemaining is the balance after settlement on success.
	CreditsRemaining quota.Credits
	// UpstreamStatus is the upstream HTTP status for success and service errors.
	UpstreamStatus int
	RequestID      string
}
