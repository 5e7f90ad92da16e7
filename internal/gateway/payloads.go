package gateway

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
)

type registerRequest struct {
	ReferralToken string `json:"referral_token"`
}

type lookupRequest struct {
	Query string `json:"query"`
}

type accountPayload struct {
	UserID        int64  `json:"user_id"`
	Credits       int64  `json:"credits"`
	Referrals     int64  `json:"referrals"`
	LastResetDate string `json:"last_reset_date"`
}

type registerResponse struct {
	Account  accountPayload `json:"account"`
	Created  bool           `json:"created"`
	Referred bool           `json:"referred"`
}

type lookupResponse struct {
	Outcome           string `json:"outcome"`
	RequestID         string `json:"request_id,omitempty"`
	Payload           string `json:"payload,omitempty"`
	CreditsRemaining  *int64 `json:"credits_remaining,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	UpstreamStatus    int    `json:"upstream_status,omitempty"`
}

type receiptPayload struct {
	ReceiptID    string          `json:"receipt_id"`
	Query        string          `json:"query"`
	StatusCode   int             `json:"status_code"`
	CreditsAfter int64           `json:"credits_after"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
}

func newAccountPayload(account quota.Account) accountPayload {
	return accountPayload{
		UserID:        account.UserID().Int64(),
		Credits:       account.Credits().Int64(),
		Referrals:     account.Referrals(),
		LastResetDate: account.LastResetDate().String(),
	}
}

func newReceiptPayload(receipt quota.Receipt) receiptPayload {
	return receiptPayload{
		ReceiptID:    receipt.ReceiptID(),
		Query:        receipt.Query(),
		StatusCode:   receipt.StatusCode(),
		CreditsAfter: receipt.CreditsAfter().Int64(),
		Metadata:     json.RawMessage(receipt.Metadata().String()),
		CreatedAt:    receipt.CreatedAt(),
	}
}
