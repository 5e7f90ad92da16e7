// Package app wires configuration, storage, clients, and the HTTP gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/floodcontrol"
	"github.com/MarkoPoloResearchLab/quotabot/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotabot/internal/logging"
	"github.com/MarkoPoloResearchLab/quotabot/internal/lookup"
	"github.com/MarkoPoloResearchLab/quotabot/internal/lookupclient"
	"github.com/MarkoPoloResearchLab/quotabot/internal/telegram"
	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Run boots quotabotd and blocks until ctx is cancelled or the server fails.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := cleanup(); closeErr != nil {
			logger.Warn("store close failed", zap.Error(closeErr))
		}
	}()

	router, err := buildRouter(ctx, cfg, logger, store)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("quotabotd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildRouter(ctx context.Context, cfg Config, logger *zap.Logger, store quota.Store) (*gin.Engine, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	telegramClient, err := telegram.New(telegram.Config{
		Token:      cfg.BotToken,
		ChannelID:  cfg.ChannelID,
		APIBaseURL: cfg.TelegramAPIURL,
		Timeout:    cfg.MembershipTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram client: %w", err)
	}
	botUsername := cfg.BotUsername
	if botUsername == "" {
		botUsername, err = telegramClient.BotUsername(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve bot username: %w", err)
		}
	}

	service, err := quota.NewService(store, time.Now,
		quota.WithOperationLogger(logging.NewZapOperationLogger(logger)),
		quota.WithReferralNotifier(telegramClient),
		quota.WithLocation(location),
		quota.WithDailyAllotment(quota.Credits(cfg.DailyAllotment)),
		quota.WithReferralBonus(quota.Credits(cfg.ReferralBonus)),
	)
	if err != nil {
		return nil, fmt.Errorf("quota service init: %w", err)
	}

	upstream, err := lookupclient.New(lookupclient.Config{
		BaseURL:           cfg.LookupURL,
		APIKey:            cfg.LookupAPIKey,
		Timeout:           cfg.LookupTimeout,
		RequestsPerSecond: cfg.LookupRPS,
		Burst:             cfg.LookupBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("lookup client: %w", err)
	}

	orchestrator, err := lookup.New(lookup.Config{
		Accounts:          service,
		Oracle:            telegramClient,
		Upstream:          upstream,
		Guard:             floodcontrol.NewMemoryGuard(cfg.FloodInterval),
		Logger:            logger,
		MembershipTimeout: cfg.MembershipTimeout,
		LookupTimeout:     cfg.LookupTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("lookup orchestrator: %w", err)
	}

	authenticator, err := gateway.NewAuthenticator(cfg.JWTSigningKey, cfg.JWTIssuer)
	if err != nil {
		return nil, err
	}

	if cfg.Environment == logging.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	return gateway.NewRouter(gateway.Config{
		BotUsername:    botUsername,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, logger, authenticator, service, orchestrator), nil
}

// IssueToken mints a gateway bearer token for rawUserID.
func IssueToken(cfg Config, rawUserID int64, ttl time.Duration) (string, error) {
	if err := cfg.ValidateAuth(); err != nil {
		return "", err
	}
	userID, err := quota.NewUserID(rawUserID)
	if err != nil {
		return "", err
	}
	authenticator, err := gateway.NewAuthenticator(cfg.JWTSigningKey, cfg.JWTIssuer)
	if err != nil {
		return "", err
	}
	return authenticator.IssueToken(userID, ttl)
}
