// Package telegram implements the channel membership oracle and referral
// notifications on top of the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
)

const (
	DefaultAPIBaseURL = "https://api.telegram.org"
	DefaultTimeout    = 5 * time.Second

	methodGetChatMember = "getChatMember"
	methodSendMessage   = "sendMessage"
	methodGetMe         = "getMe"

	statusCreator       = "creator"
	statusAdministrator = "administrator"
	statusMember        = "member"
	statusRestricted    = "restricted"

	membershipMember    = "member"
	membershipNotMember = "not_member"
	membershipError     = "error"

	maxResponseBytes = 1 << 20
	referralMessage  = "New referral! Someone joined through your link. You got +%d search %s."
)

var (
	// ErrAPI reports an unsuccessful Bot API call.
	ErrAPI = errors.New("telegram api error")
	// ErrInvalidConfig reports a bad client configuration.
	ErrInvalidConfig = errors.New("invalid telegram client config")
)

// Config configures Client.
type Config struct {
	Token      string
	ChannelID  string
	APIBaseURL string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Bot API with a single bot token.
type Client struct {
	token      string
	channelID  string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

type chatMember struct {
	Status   string `json:"status"`
	IsMember bool   `json:"is_member"`
}

type botUser struct {
	Username string `json:"username"`
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: bot token is required", ErrInvalidConfig)
	}
	channelID := strings.TrimSpace(cfg.ChannelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidConfig)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		token:      token,
		channelID:  channelID,
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

// IsMember reports whether userID belongs to the configured channel.
// Callers treat a non-nil error as "not a member".
func (client *Client) IsMember(ctx context.Context, userID quota.UserID) (bool, error) {
	values := url.Values{}
	values.Set("chat_id", client.channelID)
	values.Set("user_id", userID.String())

	var member chatMember
	if err := client.call(ctx, methodGetChatMember, values, nil, &member); err != nil {
		metrics.MembershipChecksTotal.WithLabelValues(membershipError).Inc()
		return false, err
	}
	isMember := memberStatusGrantsAccess(member)
	if isMember {
		metrics.MembershipChecksTotal.WithLabelValues(membershipMember).Inc()
	} else {
		metrics.MembershipChecksTotal.WithLabelValues(membershipNotMember).Inc()
	}
	return isMember, nil
}

// NotifyReferral tells the referrer that a new account registered through their link.
func (client *Client) NotifyReferral(ctx context.Context, referrerID quota.UserID, _ quota.UserID, bonus quota.Credits) error {
	return client.call(ctx, methodSendMessage, nil, sendMessageRequest{
		ChatID: referrerID.Int64(),
		Text:   referralText(bonus),
	}, nil)
}

func referralText(bonus quota.Credits) string {
	noun := "credits"
	if bonus == 1 {
		noun = "credit"
	}
	return fmt.Sprintf(referralMessage, bonus.Int64(), noun)
}

// BotUsername returns the bot's public username.
func (client *Client) BotUsername(ctx context.Context) (string, error) {
	var user botUser
	if err := client.call(ctx, methodGetMe, nil, nil, &user); err != nil {
		return "", err
	}
	if user.Username == "" {
		return "", fmt.Errorf("%w: %s returned no username", ErrAPI, methodGetMe)
	}
	return user.Username, nil
}

func memberStatusGrantsAccess(member chatMember) bool {
	switch member.Status {
	case statusCreator, statusAdministrator, statusMember:
		return true
	case statusRestricted:
		return member.IsMember
	default:
		return false
	}
}

func (client *Client) call(ctx context.Context, method string, query url.Values, payload any, result any) error {
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	endpoint := client.baseURL + "/bot" + client.token + "/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpMethod := http.MethodGet
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode payload: %w", method, err)
		}
		httpMethod = http.MethodPost
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %s", method, client.redact(err))
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s: %s", method, client.redact(err))
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}
	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: %s: status %d: undecodable body", ErrAPI, method, response.StatusCode)
	}
	if !decoded.OK {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrAPI, method, decoded.Description, decoded.ErrorCode)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ErrAPI, method, err)
	}
	return nil
}

// redact keeps the bot token out of errors that embed the request url.
func (client *Client) redact(err error) string {
	return strings.ReplaceAll(err.Error(), client.token, "REDACTED")
}
