package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/app"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigReadsEnvironment(test *testing.T) {
	test.Setenv("QUOTABOT_BOT_TOKEN", "123:env-token")
	test.Setenv("QUOTABOT_CHANNEL_ID", "@news")
	test.Setenv("QUOTABOT_FLOOD_INTERVAL", "45s")
	test.Setenv("QUOTABOT_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cmd := newRootCommand()
	require.NoError(test, cmd.ParseFlags([]string{"--bot-username", "@quota_bot", "--daily-allotment", "12"}))

	cfg := app.Config{}
	require.NoError(test, loadConfig(cmd, &cfg))
	require.Equal(test, "123:env-token", cfg.BotToken)
	require.Equal(test, "@news", cfg.ChannelID)
	require.Equal(test, 45*time.Second, cfg.FloodInterval)
	require.Equal(test, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	require.Equal(test, "quota_bot", cfg.BotUsername)
	require.Equal(test, int64(12), cfg.DailyAllotment)
	require.Equal(test, "sqlite://quotabot.db", cfg.DatabaseURL)
	require.Equal(test, app.StoreEngineGorm, cfg.StoreEngine)
}

func TestTokenCommandPrintsToken(test *testing.T) {
	output := executeCommand(test, "token", "--user", "42", "--jwt-signing-key", "cli-key", "--ttl", "1h")
	token := strings.TrimSpace(output)
	require.Len(test, strings.Split(token, "."), 3)
}

func TestMigrateCommandCreatesSQLiteSchema(test *testing.T) {
	databasePath := filepath.Join(test.TempDir(), "migrate.db")
	output := executeCommand(test, "migrate", "--database-url", "sqlite://"+databasePath)
	require.Contains(test, output, "schema up to date")
	require.FileExists(test, databasePath)
}

func executeCommand(test *testing.T, args ...string) string {
	test.Helper()
	cmd := newRootCommand()
	buffer := &bytes.Buffer{}
	cmd.SetOut(buffer)
	cmd.SetErr(buffer)
	cmd.SetArgs(args)
	require.NoError(test, cmd.Execute())
	return buffer.String()
}
