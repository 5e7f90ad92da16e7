package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "quotabot-test"
)

func mustAuthenticator(test *testing.T) *Authenticator {
	test.Helper()
	authenticator, err := NewAuthenticator(testSigningKey, testIssuer)
	require.NoError(test, err)
	return authenticator
}

func mustUserID(test *testing.T, raw int64) quota.UserID {
	test.Helper()
	userID, err := quota.NewUserID(raw)
	require.NoError(test, err)
	return userID
}

func TestNewAuthenticatorValidates(test *testing.T) {
	test.Parallel()
	_, err := NewAuthenticator("", testIssuer)
	require.ErrorIs(test, err, ErrInvalidAuthConfig)
	_, err = NewAuthenticator(testSigningKey, " ")
	require.ErrorIs(test, err, ErrInvalidAuthConfig)
}

func TestIssueAndParseToken(test *testing.T) {
	test.Parallel()
	authenticator := mustAuthenticator(test)
	token, err := authenticator.IssueToken(mustUserID(test, 42), time.Hour)
	require.NoError(test, err)

	userID, err := authenticator.ParseToken(token)
	require.NoError(test, err)
	require.Equal(test, int64(42), userID.Int64())
}

func TestParseTokenRejections(test *testing.T) {
	test.Parallel()
	authenticator := mustAuthenticator(test)

	expired, err := authenticator.IssueToken(mustUserID(test, 42), -time.Minute)
	require.NoError(test, err)

	otherIssuer, err := NewAuthenticator(testSigningKey, "someone-else")
	require.NoError(test, err)
	foreign, err := otherIssuer.IssueToken(mustUserID(test, 42), time.Hour)
	require.NoError(test, err)

	otherKey, err := NewAuthenticator("different-key", testIssuer)
	require.NoError(test, err)
	forged, err := otherKey.IssueToken(mustUserID(test, 42), time.Hour)
	require.NoError(test, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "not-a-number",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSigningKey))
	require.NoError(test, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "42",
		Issuer:  testIssuer,
	}).SignedString([]byte(testSigningKey))
	require.NoError(test, err)

	testCases := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not.a.token"},
		{name: "expired", token: expired},
		{name: "wrong issuer", token: foreign},
		{name: "wrong key", token: forged},
		{name: "non numeric subject", token: badSubject},
		{name: "missing expiry", token: noExpiry},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := authenticator.ParseToken(testCase.token)
			require.Error(test, err)
			require.True(test, errors.Is(err, ErrInvalidToken))
		})
	}
}
