package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyUserID    = "quota_user_id"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

var (
	// ErrInvalidToken reports a bearer token that failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidAuthConfig reports a missing signing key or issuer.
	ErrInvalidAuthConfig = errors.New("invalid auth config")
)

// Authenticator issues and validates HS256 bearer tokens whose subject is the user id.
type Authenticator struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewAuthenticator validates the signing material.
func NewAuthenticator(signingKey string, issuer string) (*Authenticator, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidAuthConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidAuthConfig)
	}
	return &Authenticator{signingKey: []byte(signingKey), issuer: issuer, now: time.Now}, nil
}

// IssueToken signs a token for userID valid for ttl.
func (authenticator *Authenticator) IssueToken(userID quota.UserID, ttl time.Duration) (string, error) {
	issuedAt := authenticator.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    authenticator.issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
	})
	signed, err := token.SignedString(authenticator.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates tokenString and returns the user id in its subject.
func (authenticator *Authenticator) ParseToken(tokenString string) (quota.UserID, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return authenticator.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(authenticator.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(authenticator.now),
	)
	if err != nil {
		return quota.UserID{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return quota.UserID{}, ErrInvalidToken
	}
	userID, err := quota.ParseUserID(claims.Subject)
	if err != nil {
		return quota.UserID{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return userID, nil
}

// Middleware rejects requests without a valid bearer token.
func (authenticator *Authenticator) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		userID, err := authenticator.ParseToken(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(contextKeyUserID, userID)
		ctx.Next()
	}
}

func getUserID(ctx *gin.Context) (quota.UserID, bool) {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return quota.UserID{}, false
	}
	userID, ok := value.(quota.UserID)
	return userID, ok && !userID.IsZero()
}
