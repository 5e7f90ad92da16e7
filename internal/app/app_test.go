package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testBotToken   = "123:secret"
	testChannelID  = "@quotabot_news"
	testSigningKey = "integration-signing-key"
	testPayload    = `{"name":"Jane"}`
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newTelegramStub(test *testing.T) *httptest.Server {
	test.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(request.URL.Path, "/getMe"):
			_, _ = writer.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"username":"quota_bot"}}`))
		case strings.HasSuffix(request.URL.Path, "/getChatMember"):
			_, _ = writer.Write([]byte(`{"ok":true,"result":{"status":"member"}}`))
		case strings.HasSuffix(request.URL.Path, "/sendMessage"):
			_, _ = writer.Write([]byte(`{"ok":true,"result":{}}`))
		default:
			writer.WriteHeader(http.StatusNotFound)
			_, _ = writer.Write([]byte(`{"ok":false,"description":"not found"}`))
		}
	}))
	test.Cleanup(server.Close)
	return server
}

func newLookupStub(test *testing.T) *httptest.Server {
	test.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("num") == "" {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = writer.Write([]byte(testPayload))
	}))
	test.Cleanup(server.Close)
	return server
}

func integrationConfig(test *testing.T) Config {
	test.Helper()
	cfg := Config{
		Environment:    "local",
		DatabaseURL:    "sqlite://" + filepath.Join(test.TempDir(), "quotabot.db"),
		JWTSigningKey:  testSigningKey,
		BotToken:       testBotToken,
		ChannelID:      testChannelID,
		TelegramAPIURL: newTelegramStub(test).URL,
		LookupURL:      newLookupStub(test).URL,
		LookupAPIKey:   "lookup-key",
		TimeZone:       "UTC",
	}
	require.NoError(test, cfg.Validate())
	return cfg
}

func performRequest(router *gin.Engine, method string, path string, token string, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestIssueToken(test *testing.T) {
	test.Parallel()
	token, err := IssueToken(Config{JWTSigningKey: testSigningKey}, 42, time.Hour)
	require.NoError(test, err)
	require.NotEmpty(test, token)

	_, err = IssueToken(Config{}, 42, time.Hour)
	require.Error(test, err)

	_, err = IssueToken(Config{JWTSigningKey: testSigningKey}, 0, time.Hour)
	require.Error(test, err)
}

func TestRouterEndToEnd(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	cfg := integrationConfig(test)

	store, cleanup, err := openStore(ctx, cfg, testLogger())
	require.NoError(test, err)
	test.Cleanup(func() { _ = cleanup() })

	router, err := buildRouter(ctx, cfg, testLogger(), store)
	require.NoError(test, err)

	referrerToken, err := IssueToken(cfg, 7, time.Hour)
	require.NoError(test, err)
	userToken, err := IssueToken(cfg, 42, time.Hour)
	require.NoError(test, err)

	recorder := performRequest(router, http.MethodGet, "/healthz", "", "")
	require.Equal(test, http.StatusOK, recorder.Code)

	recorder = performRequest(router, http.MethodPost, "/api/lookup", userToken, `{"query":"+15551234567"}`)
	require.Equal(test, http.StatusNotFound, recorder.Code)

	recorder = performRequest(router, http.MethodPost, "/api/register", referrerToken, `{}`)
	require.Equal(test, http.StatusOK, recorder.Code)

	recorder = performRequest(router, http.MethodPost, "/api/register", userToken, `{"referral_token":"7"}`)
	require.Equal(test, http.StatusOK, recorder.Code)
	var registration struct {
		Created  bool `json:"created"`
		Referred bool `json:"referred"`
	}
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &registration))
	require.True(test, registration.Created)
	require.True(test, registration.Referred)

	recorder = performRequest(router, http.MethodGet, "/api/referral", referrerToken, "")
	require.Equal(test, http.StatusOK, recorder.Code)
	require.Contains(test, recorder.Body.String(), "https://t.me/quota_bot?start=7")

	recorder = performRequest(router, http.MethodGet, "/api/profile", referrerToken, "")
	require.Equal(test, http.StatusOK, recorder.Code)
	var profile struct {
		Account struct {
			Credits   int64 `json:"credits"`
			Referrals int64 `json:"referrals"`
		} `json:"account"`
	}
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &profile))
	require.Equal(test, int64(11), profile.Account.Credits)
	require.Equal(test, int64(1), profile.Account.Referrals)

	recorder = performRequest(router, http.MethodPost, "/api/lookup", userToken, `{"query":"+15551234567"}`)
	require.Equal(test, http.StatusOK, recorder.Code)
	var result struct {
		Outcome          string `json:"outcome"`
		Payload          string `json:"payload"`
		CreditsRemaining *int64 `json:"credits_remaining"`
	}
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &result))
	require.Equal(test, "success", result.Outcome)
	require.Equal(test, testPayload, result.Payload)
	require.NotNil(test, result.CreditsRemaining)
	require.Equal(test, int64(9), *result.CreditsRemaining)

	recorder = performRequest(router, http.MethodPost, "/api/lookup", userToken, `{"query":"+15551234567"}`)
	require.Equal(test, http.StatusTooManyRequests, recorder.Code)
	require.Equal(test, "30", recorder.Header().Get("Retry-After"))

	recorder = performRequest(router, http.MethodGet, "/api/history", userToken, "")
	require.Equal(test, http.StatusOK, recorder.Code)
	var history struct {
		Receipts []struct {
			Query        string `json:"query"`
			CreditsAfter int64  `json:"credits_after"`
		} `json:"receipts"`
	}
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &history))
	require.Len(test, history.Receipts, 1)
	require.Equal(test, int64(9), history.Receipts[0].CreditsAfter)
}
