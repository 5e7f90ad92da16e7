// Package lookupclient calls the upstream lookup API.
package lookupclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 5

	maxResponseBytes = 1 << 20
	queryParamKey    = "key"
	queryParamNumber = "num"

	resultSuccess     = "success"
	resultFailure     = "failure"
	resultUnavailable = "unavailable"
)

var (
	// ErrUnavailable reports that no response was obtained: transport failure, timeout, or throttle wait exceeded the deadline.
	ErrUnavailable = errors.New("lookup service unavailable")
	// ErrInvalidConfig reports a bad client configuration.
	ErrInvalidConfig = errors.New("invalid lookup client config")
)

// Config configures Client.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Response is the upstream answer. Only 200 counts as success.
type Response struct {
	StatusCode int
	Body       string
}

// Success reports whether the lookup produced a usable payload.
func (response Response) Success() bool {
	return response.StatusCode == http.StatusOK
}

// Client is an authenticated, throttled lookup API client.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	baseURL, err := url.Parse(trimmed)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q is not absolute", ErrInvalidConfig, trimmed)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	requestsPerSecond := cfg.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		httpClient: httpClient,
	}, nil
}

// Lookup queries the upstream service. Transport errors and timeouts return ErrUnavailable;
// any HTTP response, successful or not, returns a Response and nil error.
func (client *Client) Lookup(ctx context.Context, query string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	start := time.Now()
	response, err := client.do(ctx, query)
	result := resultSuccess
	switch {
	case err != nil:
		result = resultUnavailable
	case !response.Success():
		result = resultFailure
	}
	metrics.UpstreamRequestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return response, err
}

func (client *Client) do(ctx context.Context, query string) (Response, error) {
	if err := client.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("%w: throttle: %v", ErrUnavailable, err)
	}

	requestURL := *client.baseURL
	values := requestURL.Query()
	values.Set(queryParamKey, client.apiKey)
	values.Set(queryParamNumber, query)
	requestURL.RawQuery = values.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), http.NoBody)
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	httpResponse, err := client.httpClient.Do(request)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, redact(err, client.apiKey))
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return Response{StatusCode: httpResponse.StatusCode, Body: string(body)}, nil
}

// redact keeps the API key out of error messages, which embed the request url.
func redact(err error, secret string) string {
	message := err.Error()
	if secret == "" {
		return message
	}
	return strings.ReplaceAll(message, url.QueryEscape(secret), "REDACTED")
}
