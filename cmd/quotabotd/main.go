package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagEnvironment       = "env"
	flagLogLevel          = "log-level"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagRequestTimeout    = "request-timeout"
	flagShutdownTimeout   = "shutdown-timeout"
	flagDatabaseURL       = "database-url"
	flagStoreEngine       = "store"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagBotToken          = "bot-token"
	flagBotUsername       = "bot-username"
	flagChannelID         = "channel-id"
	flagTelegramAPIURL    = "telegram-api-url"
	flagMembershipTimeout = "membership-timeout"
	flagLookupURL         = "lookup-url"
	flagLookupAPIKey      = "lookup-api-key"
	flagLookupTimeout     = "lookup-timeout"
	flagLookupRPS         = "lookup-rps"
	flagLookupBurst       = "lookup-burst"
	flagFloodInterval     = "flood-interval"
	flagDailyAllotment    = "daily-allotment"
	flagReferralBonus     = "referral-bonus"
	flagTimeZone          = "time-zone"
	flagTokenUser         = "user"
	flagTokenTTL          = "ttl"
	envPrefix             = "QUOTABOT"
	defaultTokenTTL       = 24 * time.Hour
)

var configFlags = []string{
	flagEnvironment, flagLogLevel, flagListenAddr, flagAllowedOrigins, flagRequestTimeout, flagShutdownTimeout,
	flagDatabaseURL, flagStoreEngine, flagJWTSigningKey, flagJWTIssuer,
	flagBotToken, flagBotUsername, flagChannelID, flagTelegramAPIURL, flagMembershipTimeout,
	flagLookupURL, flagLookupAPIKey, flagLookupTimeout, flagLookupRPS, flagLookupBurst,
	flagFloodInterval, flagDailyAllotment, flagReferralBonus, flagTimeZone,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quotabotd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := app.Config{}
	cmd := &cobra.Command{
		Use:           "quotabotd",
		Short:         "Quota-gated lookup bot gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvironment, "prod", "runtime environment: prod, dev, or local")
	flags.String(flagLogLevel, "", "log level override (debug, info, warn, error)")
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request store timeout (e.g. 5s)")
	flags.Duration(flagShutdownTimeout, 0, "graceful shutdown timeout")
	flags.String(flagDatabaseURL, "sqlite://quotabot.db", "sqlite:// path or PostgreSQL connection string")
	flags.String(flagStoreEngine, app.StoreEngineGorm, "store engine: gorm or pgx")
	flags.String(flagJWTSigningKey, "", "HS256 key for gateway bearer tokens (required)")
	flags.String(flagJWTIssuer, "", "gateway token issuer")
	flags.String(flagBotToken, "", "Telegram bot token (required)")
	flags.String(flagBotUsername, "", "bot username for referral links; resolved via getMe when empty")
	flags.String(flagChannelID, "", "channel users must join, e.g. @news (required)")
	flags.String(flagTelegramAPIURL, "", "Telegram Bot API base URL")
	flags.Duration(flagMembershipTimeout, 0, "channel membership check timeout")
	flags.String(flagLookupURL, "", "lookup API endpoint (required)")
	flags.String(flagLookupAPIKey, "", "lookup API key")
	flags.Duration(flagLookupTimeout, 0, "lookup API timeout")
	flags.Float64(flagLookupRPS, 0, "outbound lookup requests per second")
	flags.Int(flagLookupBurst, 0, "outbound lookup burst")
	flags.Duration(flagFloodInterval, 0, "minimum spacing between a user's lookups")
	flags.Int64(flagDailyAllotment, 0, "credits granted at each daily reset")
	flags.Int64(flagReferralBonus, 0, "credits granted per referral")
	flags.String(flagTimeZone, "Local", "IANA time zone that defines the calendar day")

	cmd.AddCommand(newMigrateCommand(&cfg), newTokenCommand(&cfg))
	return cmd
}

func newMigrateCommand(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Migrate(cmd.Context(), *cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newTokenCommand(cfg *app.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a gateway bearer token for a user",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := cmd.Flags().GetInt64(flagTokenUser)
			if err != nil {
				return err
			}
			ttl, err := cmd.Flags().GetDuration(flagTokenTTL)
			if err != nil {
				return err
			}
			token, err := app.IssueToken(*cfg, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64(flagTokenUser, 0, "messenger user id (required)")
	cmd.Flags().Duration(flagTokenTTL, defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired(flagTokenUser)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *app.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.Environment = strings.TrimSpace(v.GetString(flagEnvironment))
	cfg.LogLevel = strings.TrimSpace(v.GetString(flagLogLevel))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = app.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreEngine = strings.TrimSpace(v.GetString(flagStoreEngine))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.BotToken = strings.TrimSpace(v.GetString(flagBotToken))
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(v.GetString(flagBotUsername)), "@")
	cfg.ChannelID = strings.TrimSpace(v.GetString(flagChannelID))
	cfg.TelegramAPIURL = strings.TrimSpace(v.GetString(flagTelegramAPIURL))
	cfg.MembershipTimeout = v.GetDuration(flagMembershipTimeout)
	cfg.LookupURL = strings.TrimSpace(v.GetString(flagLookupURL))
	cfg.LookupAPIKey = v.GetString(flagLookupAPIKey)
	cfg.LookupTimeout = v.GetDuration(flagLookupTimeout)
	cfg.LookupRPS = v.GetFloat64(flagLookupRPS)
	cfg.LookupBurst = v.GetInt(flagLookupBurst)
	cfg.FloodInterval = v.GetDuration(flagFloodInterval)
	cfg.DailyAllotment = v.GetInt64(flagDailyAllotment)
	cfg.ReferralBonus = v.GetInt64(flagReferralBonus)
	cfg.TimeZone = strings.TrimSpace(v.GetString(flagTimeZone))
	return nil
}
