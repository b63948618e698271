// Package secretstore is a minimal HTTP client for the OpenBao/Vault API
// covering bootstrap, engine setup and credential provisioning.
package secretstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dc-tec/devstack-operator/internal/constants"
)

const (
	// DefaultConnectionTimeout is the default timeout for establishing connections.
	DefaultConnectionTimeout = 5 * time.Second
	// DefaultRequestTimeout is the default timeout for individual API requests.
	DefaultRequestTimeout = 10 * time.Second
)

// HealthResponse represents the response from GET /v1/sys/health.
// The endpoint encodes state in its status code:
//   - 200: initialized, unsealed and active
//   - 429: unsealed standby
//   - 472: disaster recovery secondary
//   - 473: performance standby
//   - 501: not initialized
//   - 503: sealed
type HealthResponse struct {
	Initialized bool   `json:"initialized"`
	Sealed      bool   `json:"sealed"`
	Standby     bool   `json:"standby"`
	Version     string `json:"version,omitempty"`
	ClusterName string `json:"cluster_name,omitempty"`
}

// healthStatusCodes are the status codes whose body is a HealthResponse.
var healthStatusCodes = map[int]struct{}{
	http.StatusOK:                 {},
	http.StatusTooManyRequests:    {},
	472:                           {},
	473:                           {},
	http.StatusNotImplemented:     {},
	http.StatusServiceUnavailable: {},
}

// InitRequest is the payload sent to PUT /v1/sys/init.
type InitRequest struct {
	SecretShares    int `json:"secret_shares"`
	SecretThreshold int `json:"secret_threshold"`
}

// InitResponse is the response from PUT /v1/sys/init.
// It contains highly sensitive credentials and must never be logged.
type InitResponse struct {
	Keys       []string `json:"keys"`
	KeysBase64 []string `json:"keys_base64"`
	RootToken  string   `json:"root_token"`
}

// UnsealResponse is the seal status returned by PUT /v1/sys/unseal.
type UnsealResponse struct {
	Sealed    bool `json:"sealed"`
	Threshold int  `json:"t"`
	Shares    int  `json:"n"`
	Progress  int  `json:"progress"`
}

// TokenLookup is the data of GET /v1/auth/token/lookup-self.
type TokenLookup struct {
	ID       string   `json:"id"`
	Policies []string `json:"policies"`
	TTL      int      `json:"ttl"`
}

// Client talks to a single secrets backend. Each stack gets its own Client;
// the session token and base address are per-Client.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	token   string

	httpClient *http.Client
	smart      *smartClientState

	reachabilityBackoff time.Duration
}

// ClientConfig holds configuration for creating a new Client.
type ClientConfig struct {
	// StackKey identifies the stack ("<namespace>/<name>") and keys the shared
	// rate limiter and circuit breakers. Empty disables them.
	StackKey string

	// BaseURL is the backend API URL, for example http://10.0.0.12:8200.
	BaseURL string
	// Token is the initial session token.
	Token string
	// CACert is the PEM-encoded CA certificate for https backends.
	CACert []byte
	// ConnectionTimeout defaults to DefaultConnectionTimeout.
	ConnectionTimeout time.Duration
	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	// LimiterDisabled turns off rate limiting and circuit breaking.
	LimiterDisabled bool
	RateLimitQPS    float64
	RateLimitBurst  int

	CircuitBreakerFailureThreshold int
	CircuitBreakerOpenDuration     time.Duration

	// ReachabilityBackoff is the fixed delay between WaitUntilReachable polls.
	// Defaults to constants.ReachabilityBackoff.
	ReachabilityBackoff time.Duration
}

// NewClient creates a new secrets backend client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL != "" {
		if _, err := parseBaseURL(config.BaseURL); err != nil {
			return nil, err
		}
	}

	connectionTimeout := config.ConnectionTimeout
	if connectionTimeout == 0 {
		connectionTimeout = DefaultConnectionTimeout
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(config.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(config.CACert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: connectionTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	var smart *smartClientState
	if !config.LimiterDisabled {
		smart = getOrCreateSmartState(config)
	}

	backoff := config.ReachabilityBackoff
	if backoff <= 0 {
		backoff = constants.ReachabilityBackoff
	}

	return &Client{
		baseURL:             strings.TrimSuffix(config.BaseURL, "/"),
		token:               config.Token,
		httpClient:          &http.Client{Transport: transport, Timeout: requestTimeout},
		smart:               smart,
		reachabilityBackoff: backoff,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base address %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base address %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid base address %q: missing host", raw)
	}
	return u, nil
}

// SetBaseAddress points the client at a new backend address.
func (c *Client) SetBaseAddress(address string) error {
	if _, err := parseBaseURL(address); err != nil {
		return err
	}
	c.mu.Lock()
	c.baseURL = strings.TrimSuffix(address, "/")
	c.mu.Unlock()
	return nil
}

// BaseAddress returns the current backend address.
func (c *Client) BaseAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetSessionToken replaces the token sent with subsequent calls. An empty
// token clears it.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SessionToken returns the token sent with calls.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Health queries /v1/sys/health. The body is parsed for every state-encoding
// status code; any other status is an *APIError.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, constants.APIPathSysHealth, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}

	resp, body, err := c.doAndReadAll(req, "health request")
	if err != nil {
		return nil, err
	}
	if _, ok := healthStatusCodes[resp.StatusCode]; !ok {
		return nil, newAPIError("health request", resp.StatusCode, body)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &health, nil
}

// Init initializes the backend with Shamir shares.
func (c *Client) Init(ctx context.Context, shares, threshold int) (*InitResponse, error) {
	if shares < 1 || threshold < 1 || threshold > shares {
		return nil, fmt.Errorf("invalid init parameters: shares=%d threshold=%d", shares, threshold)
	}

	var out InitResponse
	in := InitRequest{SecretShares: shares, SecretThreshold: threshold}
	if err := c.call(ctx, http.MethodPut, constants.APIPathSysInit, in, &out, "init request"); err != nil {
		return nil, err
	}
	if out.RootToken == "" || (len(out.KeysBase64) == 0 && len(out.Keys) == 0) {
		return nil, fmt.Errorf("init response missing root token or keys")
	}
	if len(out.KeysBase64) == 0 {
		out.KeysBase64 = out.Keys
	}
	return &out, nil
}

// Unseal submits one key share. A rejected share is an *APIError with a 4xx status.
func (c *Client) Unseal(ctx context.Context, key string) (*UnsealResponse, error) {
	var out UnsealResponse
	in := map[string]string{"key": key}
	if err := c.call(ctx, http.MethodPut, constants.APIPathSysUnseal, in, &out, "unseal request"); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupSelf validates the session token.
func (c *Client) LookupSelf(ctx context.Context) (*TokenLookup, error) {
	var out struct {
		Data TokenLookup `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, constants.APIPathTokenLookupSelf, nil, &out, "token lookup"); err != nil {
		return nil, err
	}
	return &out.Data, nil
}
