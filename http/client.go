package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	marketplace "github.com/givabit/marketplace"
)

// Client calls a marketplace API server
type Client struct {
	url        string
	httpClient *http.Client
	retries    int
	retryDelay time.Duration
	authorizer RequestAuthorizer
	authFor    time.Duration
}

// ClientConfig configures the HTTP client
type ClientConfig struct {
	// URL is the base URL of the marketplace API
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Retries is the number of attempts on 429 and 503 (optional, defaults to 3)
	Retries int

	// RetryBaseDelay is doubled after every retry (optional, defaults to 1s)
	RetryBaseDelay time.Duration

	// Authorizer signs buy, cancel and admin requests (required for those)
	Authorizer RequestAuthorizer

	// AuthorizationValidity is how long each signature lives (optional,
	// defaults to DefaultAuthorizationValidity)
	AuthorizationValidity time.Duration
}

// DefaultURL is used when ClientConfig.URL is empty
const DefaultURL = "http://localhost:8080"

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace api (%d): %s: %s", e.StatusCode, e.Response.Code, e.Response.Message)
}

func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}

	url := strings.TrimSuffix(config.URL, "/")
	if url == "" {
		url = DefaultURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retries := config.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := config.RetryBaseDelay
	if delay == 0 {
		delay = time.Second
	}

	authFor := config.AuthorizationValidity
	if authFor == 0 {
		authFor = DefaultAuthorizationValidity
	}

	return &Client{
		url:        url,
		httpClient: httpClient,
		retries:    retries,
		retryDelay: delay,
		authorizer: config.Authorizer,
		authFor:    authFor,
	}
}

// Buy submits a purchase batch. A non-empty idempotencyKey makes the call
// safe to retry.
func (c *Client) Buy(ctx context.Context, req BuyRequest, idempotencyKey string) (*marketplace.BatchResult, error) {
	var out marketplace.BatchResult
	if err := c.do(ctx, http.MethodPost, "/v1/orders/buy", req, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel submits a cancellation batch
func (c *Client) Cancel(ctx context.Context, req CancelRequest, idempotencyKey string) (*marketplace.BatchResult, error) {
	var out marketplace.BatchResult
	if err := c.do(ctx, http.MethodPost, "/v1/orders/cancel", req, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Digest asks the server for the digest of item
func (c *Client) Digest(ctx context.Context, item marketplace.OrderItem) (common.Hash, error) {
	var out DigestResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders/digest", NewOrderItemJSON(item), "", &out); err != nil {
		return common.Hash{}, err
	}
	return out.Digest, nil
}

// State returns the registry state of digest
func (c *Client) State(ctx context.Context, digest common.Hash) (marketplace.OrderState, error) {
	var out StateResponse
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+digest.Hex()+"/state", nil, "", &out); err != nil {
		return marketplace.OrderOpen, err
	}
	return marketplace.ParseOrderState(out.State)
}

// Config returns the current admin configuration
func (c *Client) Config(ctx context.Context) (*ConfigResponse, error) {
	var out ConfigResponse
	if err := c.do(ctx, http.MethodGet, "/v1/admin/config", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLedgerAllowed updates the allow-list on behalf of caller
func (c *Client) SetLedgerAllowed(ctx context.Context, caller, ledger common.Address, allowed bool) (*ConfigResponse, error) {
	var out ConfigResponse
	body := LedgerAllowedRequest{Caller: caller.Hex(), Allowed: allowed}
	if err := c.do(ctx, http.MethodPut, "/v1/admin/ledgers/"+ledger.Hex(), body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetAdminWallet points platform fees at wallet on behalf of caller
func (c *Client) SetAdminWallet(ctx context.Context, caller, wallet common.Address) (*ConfigResponse, error) {
	var out ConfigResponse
	body := AdminWalletRequest{Caller: caller.Hex(), Wallet: wallet.Hex()}
	if err := c.do(ctx, http.MethodPut, "/v1/admin/wallet", body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the server and its dependencies
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

// do sends one request. Reads and keyed batch submissions retry with
// exponential backoff on 429 and 503; unkeyed batches retry only when the
// server was busy and ran nothing. Each attempt of a state-changing request
// carries a fresh authorization.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	mutating := method != http.MethodGet && path != "/v1/orders/digest"
	if mutating && c.authorizer == nil {
		return fmt.Errorf("%s %s needs a ClientConfig.Authorizer", method, path)
	}
	unkeyed := mutating && idempotencyKey == ""

	attempts := c.retries
	var lastErr error
	for attempt := range attempts {
		req, err := http.NewRequestWithContext(ctx, method, c.url+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if idempotencyKey != "" {
			req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
		}
		if mutating {
			auth, sig, err := c.authorizer.AuthorizeRequest(Action(method, path), payload, c.authFor)
			if err != nil {
				return fmt.Errorf("failed to authorize request: %w", err)
			}
			header, err := json.Marshal(NewAuthorizationJSON(auth, sig))
			if err != nil {
				return fmt.Errorf("failed to encode authorization: %w", err)
			}
			req.Header.Set(HeaderAuthorization, string(header))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(responseBody, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(responseBody, &apiErr.Response); err != nil {
			apiErr.Response = ErrorResponse{Code: http.StatusText(resp.StatusCode), Message: string(responseBody)}
		}
		lastErr = apiErr

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable
		if unkeyed {
			retryable = apiErr.Response.Code == marketplace.ErrCodeBusy
		}
		if retryable && attempt < attempts-1 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return lastErr
	}
	return lastErr
}
