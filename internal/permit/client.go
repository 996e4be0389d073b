// Package permit provides the client contract for the upstream
// authorization service. The gateway never evaluates permissions itself;
// it fetches the caller's capability-code list and caches it on the token
// record.
package permit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// permitsPath is the authorization service endpoint returning the
// capability codes for the identity claim in the loginInfo header.
const permitsPath = "/base/auth/v1.0/tokens/permits"

// loginInfoHeader carries the base64-encoded identity claim.
const loginInfoHeader = "loginInfo"

// ErrUpstreamFailed indicates the authorization service call failed. The
// verifier fails closed on this error.
var ErrUpstreamFailed = errors.New("authorization service call failed")

// Client fetches the permission-code list for an identity claim.
type Client interface {
	// GetPermits returns the capability codes granted to the identity
	// described by the base64-encoded loginInfo claim.
	GetPermits(ctx context.Context, loginInfo string) ([]string, error)
}

// envelope is the authorization service response wrapper.
type envelope struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    []string `json:"data"`
}

// Config holds configuration for the HTTP permit client.
type Config struct {
	// BaseURL is the authorization service base URL.
	BaseURL string

	// Timeout bounds one upstream call.
	Timeout time.Duration

	// Logger for the client.
	Logger *zap.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://base-auth",
		Timeout: 5 * time.Second,
	}
}

// HTTPClient implements Client over HTTP with a circuit breaker. When the
// authorization service misbehaves the breaker opens and calls fail fast;
// the verifier's fail-closed handling turns that into capability denial,
// never into an outage of the whole pipeline.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPClient creates a permit client for the configured service.
func NewHTTPClient(config *Config) *HTTPClient {
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "permit-client",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("permit client circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPClient{
		baseURL: config.BaseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// GetPermits implements Client.
func (c *HTTPClient) GetPermits(ctx context.Context, loginInfo string) ([]string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, loginInfo)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailed, err)
	}

	codes, _ := result.([]string)

	return codes, nil
}

// fetch performs one upstream call.
func (c *HTTPClient) fetch(ctx context.Context, loginInfo string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+permitsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(loginInfoHeader, loginInfo)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if env.Code != http.StatusOK {
		return nil, fmt.Errorf("service returned code %d: %s", env.Code, env.Message)
	}

	return env.Data, nil
}
