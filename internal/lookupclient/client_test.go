package lookupclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const (
	testAPIKey = "secret-key"
	testQuery  = "91888000000"
)

func TestNewValidatesConfig(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		baseURL string
	}{
		{name: "empty", baseURL: "  "},
		{name: "relative", baseURL: "/lookup"},
		{name: "missing host", baseURL: "http://"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := New(Config{BaseURL: testCase.baseURL}); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLookupSendsKeyAndNumber(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("key") != testAPIKey || request.URL.Query().Get("num") != testQuery {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if request.URL.Query().Get("format") != "json" {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = writer.Write([]byte(`{"name":"example"}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL + "/api?format=json", APIKey: testAPIKey})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	response, err := client.Lookup(context.Background(), testQuery)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if !response.Success() || response.Body != `{"name":"example"}` {
		test.Fatalf("unexpected response: %+v", response)
	}
}

func TestLookupNonSuccessStatus(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		_, _ = writer.Write([]byte("offline"))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, APIKey: testAPIKey})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	response, err := client.Lookup(context.Background(), testQuery)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if response.Success() || response.StatusCode != http.StatusBadGateway {
		test.Fatalf("unexpected response: %+v", response)
	}
}

func TestLookupTimeoutIsUnavailable(test *testing.T) {
	test.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := New(Config{BaseURL: server.URL, APIKey: testAPIKey, Timeout: 50 * time.Millisecond})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	_, err = client.Lookup(context.Background(), testQuery)
	if !errors.Is(err, ErrUnavailable) {
		test.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestLookupTransportErrorRedactsKey(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client, err := New(Config{BaseURL: baseURL, APIKey: testAPIKey})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	_, err = client.Lookup(context.Background(), testQuery)
	if !errors.Is(err, ErrUnavailable) {
		test.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if strings.Contains(err.Error(), testAPIKey) {
		test.Fatalf("error leaks api key: %v", err)
	}
}

func TestThrottleWaitBeyondDeadline(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(Config{
		BaseURL:           server.URL,
		Timeout:           20 * time.Millisecond,
		RequestsPerSecond: 0.01,
		Burst:             1,
	})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	if _, err := client.Lookup(context.Background(), testQuery); err != nil {
		test.Fatalf("first lookup: %v", err)
	}
	if _, err := client.Lookup(context.Background(), testQuery); !errors.Is(err, ErrUnavailable) {
		test.Fatalf("expected throttled lookup to be unavailable, got %v", err)
	}
}
