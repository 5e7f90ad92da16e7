// Package lookup runs one user lookup from membership check to settlement.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/floodcontrol"
	"github.com/MarkoPoloResearchLab/quotabot/internal/logging"
	"github.com/MarkoPoloResearchLab/quotabot/internal/lookupclient"
	"github.com/MarkoPoloResearchLab/quotabot/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMembershipTimeout = 5 * time.Second
	DefaultLookupTimeout     = 10 * time.Second
	defaultSettlementTimeout = 5 * time.Second
)

// ErrInvalidConfig reports a missing dependency.
var ErrInvalidConfig = errors.New("invalid lookup orchestrator config")

// Accounts is the slice of quota.Service the orchestrator needs.
type Accounts interface {
	ApplyDailyReset(ctx context.Context, userID quota.UserID) (quota.Account, error)
	DebitOne(ctx context.Context, userID quota.UserID, draft quota.ReceiptDraft) (quota.Account, error)
}

// MembershipOracle answers whether a user belongs to the gating channel.
type MembershipOracle interface {
	IsMember(ctx context.Context, userID quota.UserID) (bool, error)
}

// Service performs the upstream lookup.
type Service interface {
	Lookup(ctx context.Context, query string) (lookupclient.Response, error)
}

// Config wires an Orchestrator.
type Config struct {
	Accounts          Accounts
	Oracle            MembershipOracle
	Upstream          Service
	Guard             floodcontrol.Guard
	Logger            *zap.Logger
	Now               func() time.Time
	MembershipTimeout time.Duration
	LookupTimeout     time.Duration
}

// Orchestrator composes membership, quota, flood control, and the upstream call.
type Orchestrator struct {
	accounts          Accounts
	oracle            MembershipOracle
	upstream          Service
	guard             floodcontrol.Guard
	logger            *zap.Logger
	now               func() time.Time
	membershipTimeout time.Duration
	lookupTimeout     time.Duration
}

type receiptMetadata struct {
	RequestID string `json:"request_id"`
	Bytes     int    `json:"bytes"`
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("%w: accounts dependency is nil", ErrInvalidConfig)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("%w: membership oracle is nil", ErrInvalidConfig)
	}
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("%w: lookup service is nil", ErrInvalidConfig)
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("%w: flood guard is nil", ErrInvalidConfig)
	}
	orchestrator := &Orchestrator{
		accounts:          cfg.Accounts,
		oracle:            cfg.Oracle,
		upstream:          cfg.Upstream,
		guard:             cfg.Guard,
		logger:            cfg.Logger,
		now:               cfg.Now,
		membershipTimeout: cfg.MembershipTimeout,
		lookupTimeout:     cfg.LookupTimeout,
	}
	if orchestrator.logger == nil {
		orchestrator.logger = zap.NewNop()
	}
	if orchestrator.now == nil {
		orchestrator.now = time.Now
	}
	if orchestrator.membershipTimeout <= 0 {
		orchestrator.membershipTimeout = DefaultMembershipTimeout
	}
	if orchestrator.lookupTimeout <= 0 {
		orchestrator.lookupTimeout = DefaultLookupTimeout
	}
	return orchestrator, nil
}

// Lookup runs one request to a terminal outcome. Caller cancellation is
// ignored; every external call carries its own timeout instead.
func (orchestrator *Orchestrator) Lookup(ctx context.Context, userID quota.UserID, query string) Result {
	ctx = context.WithoutCancel(ctx)
	requestID := uuid.NewString()
	logger := logging.FromContext(ctx, orchestrator.logger).With(
		zap.Int64("user_id", userID.Int64()),
		zap.String("lookup_id", requestID),
	)
	result := orchestrator.run(ctx, logger, requestID, userID, strings.TrimSpace(query))
	result.RequestID = requestID
	metrics.LookupOutcomesTotal.WithLabelValues(result.Outcome.String()).Inc()
	logger.Info("lookup finished", zap.String("outcome", result.Outcome.String()))
	return result
}

func (orchestrator *Orchestrator) run(ctx context.Context, logger *zap.Logger, requestID string, userID quota.UserID, query string) Result {
	if !orchestrator.isMember(ctx, logger, userID) {
		return Result{Outcome: OutcomeAccessDenied}
	}

	account, err := orchestrator.accounts.ApplyDailyReset(ctx, userID)
	if err != nil {
		if errors.Is(err, quota.ErrAccountNotFound) {
			return Result{Outcome: OutcomeNotRegistered}
		}
		logger.Error("account resolution failed", zap.Error(err))
		return Result{Outcome: OutcomeServiceUnavailable}
	}
	if account.Credits() <= 0 {
		return Result{Outcome: OutcomeQuotaExhausted}
	}
	if query == "" {
		return Result{Outcome: OutcomeBadArgument}
	}

	// The slot is held while the upstream call is in flight, so a concurrent request from the
	// same user is refused even if this call later fails. Every non-charging exit releases it.
	decision := orchestrator.guard.CheckAndRecord(userID, orchestrator.now())
	if !decision.Allowed {
		return Result{Outcome: OutcomeRateLimited, RetryAfterSeconds: decision.RetryAfterSeconds()}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, orchestrator.lookupTimeout)
	response, err := orchestrator.upstream.Lookup(lookupCtx, query)
	cancel()
	if err != nil {
		orchestrator.guard.Release(decision)
		logger.Warn("lookup service unavailable", zap.Error(err))
		return Result{Outcome: OutcomeServiceUnavailable}
	}
	if !response.Success() {
		orchestrator.guard.Release(decision)
		logger.Warn("lookup service rejected request", zap.Int("status", response.StatusCode))
		return Result{Outcome: OutcomeServiceError, UpstreamStatus: response.StatusCode}
	}

	return orchestrator.settle(ctx, logger, requestID, userID, query, response, decision, account)
}

// settle debits the credit for a successful upstream call. A balance drained
// by a concurrent request still yields success because the upstream already answered.
func (orchestrator *Orchestrator) settle(
	ctx context.Context,
	logger *zap.Logger,
	requestID string,
	userID quota.UserID,
	query string,
	response lookupclient.Response,
	decision floodcontrol.Decision,
	resolved quota.Account,
) Result {
	success := Result{Outcome: OutcomeSuccess, Payload: response.Body, UpstreamStatus: response.StatusCode}

	metadata, err := newReceiptMetadata(requestID, len(response.Body))
	if err != nil {
		logger.Warn("receipt metadata encoding failed", zap.Error(err))
	}
	settleCtx, cancel := context.WithTimeout(ctx, defaultSettlementTimeout)
	defer cancel()
	account, err := orchestrator.accounts.DebitOne(settleCtx, userID, quota.ReceiptDraft{
		Query:      query,
		StatusCode: response.StatusCode,
		Metadata:   metadata,
	})
	switch {
	case err == nil:
		success.CreditsRemaining = account.Credits()
		return success
	case errors.Is(err, quota.ErrInsufficientCredits):
		logger.Warn("credits drained before settlement", zap.Int64("credits_seen", resolved.Credits().Int64()))
		return success
	default:
		orchestrator.guard.Release(decision)
		logger.Error("settlement failed", zap.Error(err))
		return Result{Outcome: OutcomeServiceUnavailable}
	}
}

func (orchestrator *Orchestrator) isMember(ctx context.Context, logger *zap.Logger, userID quota.UserID) bool {
	membershipCtx, cancel := context.WithTimeout(ctx, orchestrator.membershipTimeout)
	defer cancel()
	isMember, err := orchestrator.oracle.IsMember(membershipCtx, userID)
	if err != nil {
		logger.Warn("membership check failed", zap.Error(err))
		return false
	}
	return isMember
}

func newReceiptMetadata(requestID string, bodyBytes int) (quota.MetadataJSON, error) {
	encoded, err := json.Marshal(receiptMetadata{RequestID: requestID, Bytes: bodyBytes})
	if err != nil {
		return quota.MetadataJSON{}, err
	}
	return quota.NewMetadataJSON(string(encoded))
}
