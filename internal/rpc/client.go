// Package rpc issues JSON-RPC calls over HTTP POST and translates every
// failure into the transport / protocol / remote / session / trust taxonomy.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEndpointRequired is returned by NewClient without an endpoint.
var ErrEndpointRequired = errors.New("rpc: endpoint required")

const maxResponseBytes = 32 << 20

// Config configures a Client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	TLS      TLSConfig
}

// Client sends JSON-RPC requests to one fixed endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	trust      *TrustStore
	metrics    *Metrics
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTrustStore replaces the trust store built from Config.TLS.
func WithTrustStore(s *TrustStore) Option {
	return func(c *Client) { c.trust = s }
}

// NewClient creates a client for cfg.Endpoint.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrEndpointRequired
	}
	c := &Client{
		endpoint: cfg.Endpoint,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.trust == nil {
		store, err := LoadTrustStore(cfg.TLS)
		if err != nil {
			return nil, err
		}
		c.trust = store
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.httpClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     c.trust.ClientConfig(cfg.TLS.Insecure),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return c, nil
}

// Endpoint returns the server address.
func (c *Client) Endpoint() string { return c.endpoint }

// TrustStore returns the store consulted during TLS verification.
func (c *Client) TrustStore() *TrustStore { return c.trust }

// HTTPClient returns the underlying client. Image fetches share it so that
// trust grants apply to them too.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      string `json:"id"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	ID     string          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		ExceptionTypeName string `json:"exceptionTypeName"`
	} `json:"data"`
}

// Invoke calls method with params and returns the raw result.
func (c *Client) Invoke(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.invoke(ctx, method, params)
	c.metrics.observe(method, err, time.Since(start))
	return result, err
}

func (c *Client) invoke(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := uuid.NewString()
	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, &ProtocolError{Method: method, Reason: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Method: method, Reason: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug("rpc request", zap.String("method", method), zap.String("call_id", id))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if challenge, ok := AsTrustChallenge(err); ok {
			return nil, challenge
		}
		return nil, &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Method: method, Status: resp.StatusCode, Err: err}
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil || (len(decoded.Result) == 0 && decoded.Error == nil) {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &TransportError{Method: method, Status: resp.StatusCode}
		}
		if err == nil {
			err = fmt.Errorf("missing result and error")
		}
		return nil, &ProtocolError{
			Method: method,
			Reason: fmt.Sprintf("malformed response (HTTP %d)", resp.StatusCode),
			Err:    err,
		}
	}
	if decoded.Error != nil {
		failure := remoteFailure(method, decoded.Error)
		c.logger.Debug("rpc error",
			zap.String("method", method),
			zap.String("call_id", id),
			zap.Error(failure))
		return nil, failure
	}
	return decoded.Result, nil
}
