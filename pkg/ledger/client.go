package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig holds configuration for the HTTP ledger client
type ClientConfig struct {
	// Endpoint is the base URL of the ledger service
	Endpoint string

	// APIKey authenticates the paywall against the ledger
	APIKey string

	// Timeout is the HTTP client timeout
	Timeout time.Duration

	// HTTPClient overrides the default client (Timeout is ignored when set)
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// HTTPClient is a Ledger backed by a remote JSON/HTTP service
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
}

var _ Ledger = (*HTTPClient)(nil)

// NewHTTPClient creates a ledger client that talks to config.Endpoint
func NewHTTPClient(config ClientConfig) *HTTPClient {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: config.Timeout,
		}
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "ledger-client").Logger()
	}

	return &HTTPClient{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		apiKey:   config.APIKey,
		client:   client,
		logger:   logger,
	}
}

type startRequestBody struct {
	ResourceID string `json:"resourceId"`
	Credential string `json:"credential"`
	LogicalID  string `json:"logicalId"`
	Method     string `json:"method"`
}

type redeemBody struct {
	Credential string `json:"credential"`
	Credits    int64  `json:"credits"`
}

type verifyResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

type grantsResponse struct {
	Grants []Grant `json:"grants"`
}

// errorResponse is the body of every non-2xx ledger response
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StartRequest opens a metered request
func (c *HTTPClient) StartRequest(ctx context.Context, resourceID, credential, logicalID, method string) (*StartResult, error) {
	var result StartResult
	err := c.do(ctx, http.MethodPost, "/v1/requests", startRequestBody{
		ResourceID: resourceID,
		Credential: credential,
		LogicalID:  logicalID,
		Method:     method,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Redeem burns credits for an opened request
func (c *HTTPClient) Redeem(ctx context.Context, requestID, credential string, credits int64) (*Receipt, error) {
	var receipt Receipt
	path := "/v1/requests/" + url.PathEscape(requestID) + "/redeem"
	if err := c.do(ctx, http.MethodPost, path, redeemBody{Credential: credential, Credits: credits}, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// VerifyAndSettle verifies the subscriber permission, then settles.
// Settle is never attempted when verification fails.
func (c *HTTPClient) VerifyAndSettle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	var verification verifyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/permissions/verify", req, &verification); err != nil {
		return nil, err
	}
	if !verification.Valid {
		if verification.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, verification.Message)
		}
		return nil, ErrVerificationFailed
	}

	var receipt Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/permissions/settle", req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListAlternativeGrants lists the grants that unlock a resource
func (c *HTTPClient) ListAlternativeGrants(ctx context.Context, resourceID string) ([]Grant, error) {
	var resp grantsResponse
	path := "/v1/resources/" + url.PathEscape(resourceID) + "/grants"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Grants, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ledger: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("ledger call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}

// decodeError maps a non-2xx response back to the package sentinels so
// errors.Is works across the wire.
func decodeError(resp *http.Response) error {
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
		if body.Code == codeUnknownCredential {
			sentinel = ErrUnknownCredential
		}
	case http.StatusPaymentRequired:
		sentinel = ErrInsufficientCredits
	case http.StatusForbidden:
		sentinel = ErrVerificationFailed
	case http.StatusNotFound:
		sentinel = ErrUnknownRequest
	case http.StatusConflict:
		sentinel = ErrRequestAlreadyRedeemed
	default:
		return fmt.Errorf("ledger: unexpected status %d: %s", resp.StatusCode, body.Error)
	}
	if body.Error == "" || body.Error == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, body.Error)
}
