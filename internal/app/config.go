package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/floodcontrol"
	"github.com/MarkoPoloResearchLab/quotabot/internal/logging"
	"github.com/MarkoPoloResearchLab/quotabot/internal/lookup"
	"github.com/MarkoPoloResearchLab/quotabot/internal/lookupclient"
	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
)

const (
	StoreEngineGorm = "gorm"
	StoreEnginePgx  = "pgx"

	defaultEnvironment     = logging.EnvProduction
	defaultListenAddr      = ":8080"
	defaultDatabaseURL     = "sqlite://quotabot.db"
	defaultJWTIssuer       = "quotabot"
	defaultTimeZone        = "Local"
	defaultRequestTimeout  = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config aggregates runtime settings for quotabotd.
type Config struct {
	Environment string
	LogLevel    string

	ListenAddr      string
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	DatabaseURL string
	StoreEngine string

	JWTSigningKey string
	JWTIssuer     string

	BotToken          string
	BotUsername       string
	ChannelID         string
	TelegramAPIURL    string
	MembershipTimeout time.Duration

	LookupURL     string
	LookupAPIKey  string
	LookupTimeout time.Duration
	LookupRPS     float64
	LookupBurst   int

	FloodInterval  time.Duration
	DailyAllotment int64
	ReferralBonus  int64
	TimeZone       string
}

// Validate fills defaults and ensures the server can start.
func (cfg *Config) Validate() error {
	if err := cfg.ValidateStore(); err != nil {
		return err
	}
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}
	cfg.Environment = defaultIfEmpty(cfg.Environment, defaultEnvironment)
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.TimeZone = defaultIfEmpty(cfg.TimeZone, defaultTimeZone)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MembershipTimeout <= 0 {
		cfg.MembershipTimeout = lookup.DefaultMembershipTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = lookupclient.DefaultTimeout
	}
	if cfg.LookupRPS <= 0 {
		cfg.LookupRPS = lookupclient.DefaultRequestsPerSecond
	}
	if cfg.LookupBurst <= 0 {
		cfg.LookupBurst = lookupclient.DefaultBurst
	}
	if cfg.FloodInterval <= 0 {
		cfg.FloodInterval = floodcontrol.DefaultInterval
	}
	if cfg.DailyAllotment <= 0 {
		cfg.DailyAllotment = quota.DefaultDailyAllotment.Int64()
	}
	if cfg.ReferralBonus <= 0 {
		cfg.ReferralBonus = quota.DefaultReferralBonus.Int64()
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		return fmt.Errorf("bot token is required")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	if strings.TrimSpace(cfg.LookupURL) == "" {
		return fmt.Errorf("lookup url is required")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return nil
}

// ValidateStore checks only the settings needed to reach the database.
func (cfg *Config) ValidateStore() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreEngine = strings.ToLower(defaultIfEmpty(cfg.StoreEngine, StoreEngineGorm))
	switch cfg.StoreEngine {
	case StoreEngineGorm:
		return nil
	case StoreEnginePgx:
		if !isPostgresDSN(cfg.DatabaseURL) {
			return fmt.Errorf("store engine %q requires a postgres database url", StoreEnginePgx)
		}
		return nil
	default:
		return fmt.Errorf("unsupported store engine %q", cfg.StoreEngine)
	}
}

// ValidateAuth checks only the settings needed to sign gateway tokens.
func (cfg *Config) ValidateAuth() error {
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if strings.TrimSpace(cfg.JWTSigningKey) == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// Location resolves TimeZone; "Local" and "" use the process time zone.
func (cfg *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(cfg.TimeZone)
	if name == "" || name == defaultTimeZone {
		return time.Local, nil
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", name, err)
	}
	return location, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
