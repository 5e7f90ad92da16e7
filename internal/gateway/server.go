// Package gateway exposes the bot command surface over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/logging"
	"github.com/MarkoPoloResearchLab/quotabot/internal/lookup"
	"github.com/MarkoPoloResearchLab/quotabot/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	referralLinkFormat    = "https://t.me/%s?start=%s"
	retryAfterHeader      = "Retry-After"
	historyLimitParam     = "limit"
)

// Accounts is the account surface of quota.Service used by the gateway.
type Accounts interface {
	Register(ctx context.Context, userID quota.UserID, referralToken string) (quota.Registration, error)
	Profile(ctx context.Context, userID quota.UserID) (quota.Account, error)
	History(ctx context.Context, userID quota.UserID, limit int) ([]quota.Receipt, error)
	Ping(ctx context.Context) error
}

// Lookups runs lookups to a terminal outcome.
type Lookups interface {
	Lookup(ctx context.Context, userID quota.UserID, query string) lookup.Result
}

// Config configures the router.
type Config struct {
	BotUsername    string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter wires routes, middleware, and handlers.
func NewRouter(cfg Config, logger *zap.Logger, authenticator *Authenticator, accounts Accounts, lookups Lookups) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{
		logger:   logger,
		accounts: accounts,
		lookups:  lookups,
		cfg:      cfg,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(metrics.Middleware())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(authenticator.Middleware())
	api.POST("/register", handler.handleRegister)
	api.GET("/profile", handler.handleProfile)
	api.GET("/referral", handler.handleReferral)
	api.POST("/lookup", handler.handleLookup)
	api.GET("/history", handler.handleHistory)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	accounts Accounts
	lookups  Lookups
	cfg      Config
}

func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.accounts.Ping(requestCtx); err != nil {
		handler.requestLogger(ctx).Warn("health check failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleRegister(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	var request registerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	registration, err := handler.accounts.Register(requestCtx, userID, request.ReferralToken)
	if err != nil {
		handler.requestLogger(ctx).Error("register failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_error", "registration failed"))
		return
	}
	if registration.Created {
		metrics.RegistrationsTotal.WithLabelValues(strconv.FormatBool(registration.Referred)).Inc()
	}
	ctx.JSON(http.StatusOK, registerResponse{
		Account:  newAccountPayload(registration.Account),
		Created:  registration.Created,
		Referred: registration.Referred,
	})
}

func (handler *httpHandler) handleProfile(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	account, err := handler.accounts.Profile(requestCtx, userID)
	if err != nil {
		handler.respondAccountError(ctx, "profile", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleReferral(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"link": ReferralLink(handler.cfg.BotUsername, userID)})
}

func (handler *httpHandler) handleLookup(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	var request lookupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	result := handler.lookups.Lookup(ctx.Request.Context(), userID, request.Query)
	response := lookupResponse{Outcome: result.Outcome.String(), RequestID: result.RequestID}
	switch result.Outcome {
	case lookup.OutcomeSuccess:
		response.Payload = result.Payload
		credits := result.CreditsRemaining.Int64()
		response.CreditsRemaining = &credits
	case lookup.OutcomeRateLimited:
		response.RetryAfterSeconds = result.RetryAfterSeconds
		ctx.Header(retryAfterHeader, strconv.Itoa(result.RetryAfterSeconds))
	case lookup.OutcomeServiceError:
		response.UpstreamStatus = result.UpstreamStatus
	}
	ctx.JSON(StatusForOutcome(result.Outcome), response)
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(ctx.Query(historyLimitParam)); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	receipts, err := handler.accounts.History(requestCtx, userID, limit)
	if err != nil {
		handler.respondAccountError(ctx, "history", err)
		return
	}
	payload := make([]receiptPayload, 0, len(receipts))
	for _, receipt := range receipts {
		payload = append(payload, newReceiptPayload(receipt))
	}
	ctx.JSON(http.StatusOK, gin.H{"receipts": payload})
}

func (handler *httpHandler) respondAccountError(ctx *gin.Context, operation string, err error) {
	if errors.Is(err, quota.ErrAccountNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse(lookup.OutcomeNotRegistered.String(), "register first"))
		return
	}
	handler.requestLogger(ctx).Error(operation+" failed", zap.Error(err))
	ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_error", operation+" unavailable"))
}

func (handler *httpHandler) requestLogger(ctx *gin.Context) *zap.Logger {
	return logging.FromContext(ctx.Request.Context(), handler.logger)
}

// StatusForOutcome maps a lookup outcome to its HTTP status.
func StatusForOutcome(outcome lookup.Outcome) int {
	switch outcome {
	case lookup.OutcomeSuccess:
		return http.StatusOK
	case lookup.OutcomeAccessDenied:
		return http.StatusForbidden
	case lookup.OutcomeNotRegistered:
		return http.StatusNotFound
	case lookup.OutcomeQuotaExhausted:
		return http.StatusPaymentRequired
	case lookup.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case lookup.OutcomeBadArgument:
		return http.StatusBadRequest
	case lookup.OutcomeServiceError:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// ReferralLink builds the deep link that registers a new user with userID as referrer.
func ReferralLink(botUsername string, userID quota.UserID) string {
	return fmt.Sprintf(referralLinkFormat, strings.TrimPrefix(botUsername, "@"), userID.String())
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
