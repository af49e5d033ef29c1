// Package eduapi implements the learning backend REST client.
// Every endpoint maps to one typed method; authentication, token refresh,
// rate limiting and error classification are handled here so callers only
// ever see the shared error taxonomy.
package eduapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/circuitbreaker"
	"github.com/alem-hub/study-companion/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the learning API client.
type ClientConfig struct {
	// BaseURL is the backend root, e.g. http://localhost:8000
	BaseURL string

	// AuthScheme prefixes the access token in the Authorization header.
	AuthScheme string

	// Timeout bounds every single HTTP request.
	Timeout time.Duration

	// RateLimiterConfig for client-side throttling
	RateLimiterConfig RateLimiterConfig

	// BreakerThreshold consecutive backend failures open the circuit.
	BreakerThreshold int
	// BreakerTimeout is how long the circuit stays open.
	BreakerTimeout time.Duration

	// MaxAttempts for idempotent reads that fail with a retryable error.
	// 1 disables automatic retries.
	MaxAttempts int

	// Logger for structured logging
	Logger *slog.Logger

	// Observer receives request metrics (optional).
	Observer Observer

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client

	// Debug enables per-request debug logging
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		AuthScheme:        "JWT",
		Timeout:           30 * time.Second,
		RateLimiterConfig: DefaultRateLimiterConfig(),
		BreakerThreshold:  5,
		BreakerTimeout:    30 * time.Second,
		MaxAttempts:       1,
	}
}

// Authenticator supplies and renews the access token. The session store
// implements it.
type Authenticator interface {
	// AccessToken returns the current token, or "" when signed out.
	AccessToken() string
	// RefreshAccess exchanges the refresh token and returns the new access
	// token. It returns a SessionExpired error when the session cannot be renewed.
	RefreshAccess(ctx context.Context) (string, error)
}

// Observer receives client metrics.
type Observer interface {
	ObserveRequest(operation string, status int, d time.Duration)
	ObserveTokenRefresh(success bool)
	SetBreakerState(name string, state int)
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the learning backend API client. It is safe for concurrent use.
type Client struct {
	config      ClientConfig
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	rateLimiter *RateLimiter
	breaker     *circuitbreaker.CircuitBreaker
	retrier     *retry.Retrier

	authMu sync.RWMutex
	auth   Authenticator

	refreshGroup singleflight.Group
}

// NewClient creates a new API client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.AuthScheme == "" {
		config.AuthScheme = "JWT"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = 5
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	c := &Client{
		config:      config,
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		httpClient:  httpClient,
		logger:      config.Logger.With("component", "eduapi"),
		rateLimiter: NewRateLimiter(config.RateLimiterConfig),
		retrier: retry.New(
			retry.WithMaxAttempts(config.MaxAttempts),
			retry.WithInitialDelay(250*time.Millisecond),
			retry.WithMaxDelay(2*time.Second),
			retry.WithRetryIf(shared.IsRetryable),
		),
	}

	c.breaker = circuitbreaker.LearningAPIBreaker(
		config.BreakerThreshold,
		config.BreakerTimeout,
		func(err error) bool { return !shared.IsClientFault(err) },
		func(name string, from, to circuitbreaker.State) {
			c.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if c.config.Observer != nil {
				c.config.Observer.SetBreakerState(name, int(to))
			}
		},
	)
	return c
}

// SetAuthenticator wires the token source. It is set after construction
// because the session store itself depends on the client.
func (c *Client) SetAuthenticator(auth Authenticator) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.auth = auth
}

func (c *Client) authenticator() Authenticator {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.auth
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

type authMode int

const (
	authNone authMode = iota
	authBearer
)

// request describes one endpoint call.
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	auth   authMode

	// credentialExchange marks the token endpoints, whose 401 means bad
	// credentials rather than an expired access token.
	credentialExchange bool
}

// do runs a request with retries for idempotent reads.
func (c *Client) do(ctx context.Context, req request, result any) error {
	if req.method == http.MethodGet && c.config.MaxAttempts > 1 {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.doAuthenticated(ctx, req, result)
		})
	}
	return c.doAuthenticated(ctx, req, result)
}

// doAuthenticated sends the request and, on a 401 for a bearer request,
// refreshes the token once and replays it.
func (c *Client) doAuthenticated(ctx context.Context, req request, result any) error {
	auth := c.authenticator()

	var token string
	if req.auth == authBearer && auth != nil {
		token = auth.AccessToken()
	}

	status, err := c.execute(ctx, req, token, result)
	if err == nil || status != http.StatusUnauthorized || req.auth != authBearer || auth == nil {
		return err
	}

	fresh, err := c.refresh(ctx, auth, token)
	if err != nil {
		return err
	}

	c.logger.Debug("replaying request after token refresh", "operation", req.op)
	_, err = c.execute(ctx, req, fresh, result)
	return err
}

// refresh renews the access token. Concurrent callers share one refresh; a
// caller whose token was already replaced by another refresh reuses the new one.
func (c *Client) refresh(ctx context.Context, auth Authenticator, staleToken string) (string, error) {
	if current := auth.AccessToken(); current != "" && current != staleToken {
		return current, nil
	}

	v, err, joined := c.refreshGroup.Do("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Timeout)
		defer cancel()

		token, err := auth.RefreshAccess(rctx)
		if c.config.Observer != nil {
			c.config.Observer.ObserveTokenRefresh(err == nil)
		}
		return token, err
	})
	if joined {
		c.logger.Debug("joined in-flight token refresh")
	}
	if err != nil {
		// Only a rejected refresh token ends the session. Outages and server
		// errors surface as they are so the session survives them.
		if shared.IsClientFault(err) && !shared.IsSessionExpired(err) {
			return "", shared.NewSessionExpired(domain, "RefreshAccess", err)
		}
		return "", err
	}
	return v.(string), nil
}

// execute passes one attempt through the rate limiter and circuit breaker.
func (c *Client) execute(ctx context.Context, req request, token string, result any) (int, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return 0, shared.NewNetworkError(domain, req.op, "rate limited", err, true)
	}

	var status int
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		status, err = c.doSingleRequest(ctx, req, token, result)
		return err
	})
	if circuitbreaker.IsRejection(err) {
		return 0, shared.NewNetworkError(domain, req.op, "service temporarily unavailable", err, true)
	}
	return status, err
}

// doSingleRequest performs a single HTTP request.
func (c *Client) doSingleRequest(ctx context.Context, req request, token string, result any) (int, error) {
	fullURL := c.baseURL + req.path
	if len(req.query) > 0 {
		fullURL += "?" + req.query.Encode()
	}

	var bodyReader io.Reader
	if req.body != nil {
		jsonBody, err := json.Marshal(req.body)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", c.config.AuthScheme+" "+token)
	}

	if c.config.Debug {
		c.logger.Debug("api request", "operation", req.op, "method", req.method, "path", req.path, "request_id", requestID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.observe(req.op, 0, start)
		c.logger.Warn("api request failed", "operation", req.op, "request_id", requestID, "error", err)
		return 0, transportError(req.op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	c.observe(req.op, resp.StatusCode, start)
	if err != nil {
		return resp.StatusCode, transportError(req.op, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.rateLimiter.RecordRateLimitHit(retryAfter(resp.Header))
	}

	if resp.StatusCode >= 400 {
		mapped := mapStatus(req.op, req.credentialExchange, resp.StatusCode, respBody)
		level := slog.LevelDebug
		if resp.StatusCode >= 500 {
			level = slog.LevelWarn
		}
		c.logger.Log(ctx, level, "api error response",
			"operation", req.op,
			"status", resp.StatusCode,
			"request_id", requestID,
		)
		return resp.StatusCode, mapped
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, shared.WrapError(domain, req.op, shared.ErrServer, "malformed response body", err)
		}
	}

	return resp.StatusCode, nil
}

func (c *Client) observe(op string, status int, start time.Time) {
	if c.config.Observer != nil {
		c.config.Observer.ObserveRequest(op, status, time.Since(start))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND STATUS
// ══════════════════════════════════════════════════════════════════════════════

// ClientStatus is the current state of the client's protections.
type ClientStatus struct {
	RateLimiter    RateLimiterStatus `json:"rate_limiter"`
	CircuitBreaker string            `json:"circuit_breaker"`
	Requests       int               `json:"requests"`
	Failures       int               `json:"failures"`
}

// Status returns the current status of the client.
func (c *Client) Status() ClientStatus {
	counts := c.breaker.Counts()
	return ClientStatus{
		RateLimiter:    c.rateLimiter.Status(),
		CircuitBreaker: c.breaker.State().String(),
		Requests:       counts.Requests,
		Failures:       counts.TotalFailures,
	}
}

// Ping checks that the backend answers a public endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Languages(ctx)
	return err
}

// Reset clears the rate limiter cool-down and closes the breaker.
func (c *Client) Reset() {
	c.rateLimiter.Reset()
	c.breaker.Reset()
}
