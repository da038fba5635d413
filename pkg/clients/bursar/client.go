package bursar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/clients"
	"inkwell/bursar/pkg/logging"
)

// Client represents a Bursar API client for service-to-service calls
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// Config represents the configuration for the Bursar client
type Config struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new Bursar API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	httpClient := &http.Client{
		Timeout:   config.Timeout,
		Transport: clients.DefaultTransport(),
	}

	return &Client{
		baseURL:      config.BaseURL,
		httpClient:   httpClient,
		serviceToken: config.ServiceToken,
		logger:       config.Logger,
		retryConfig:  retryConfig,
	}
}

// CreateHold opens a provisional debit against a user account
func (c *Client) CreateHold(ctx context.Context, req *bursar.HoldRequest) (*bursar.TransactionResponse, error) {
	return c.postTxn(ctx, c.baseURL+"/api/internal/holds", req)
}

// FinalizeHold settles a hold at its actual amount
func (c *Client) FinalizeHold(ctx context.Context, txnID string, req *bursar.FinalizeRequest) (*bursar.TransactionResponse, error) {
	endpoint := fmt.Sprintf("%s/api/internal/holds/%s/finalize", c.baseURL, url.PathEscape(txnID))
	return c.postTxn(ctx, endpoint, req)
}

// VoidHold cancels a hold and releases the reserved credits
func (c *Client) VoidHold(ctx context.Context, txnID string, req *bursar.VoidRequest) (*bursar.TransactionResponse, error) {
	endpoint := fmt.Sprintf("%s/api/internal/holds/%s/void", c.baseURL, url.PathEscape(txnID))
	return c.postTxn(ctx, endpoint, req)
}

// IngestUsage submits a batch of usage events for metering
func (c *Client) IngestUsage(ctx context.Context, req *bursar.UsageIngestRequest) (*bursar.UsageIngestResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/internal/usage", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Bursar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var ingestResp bursar.UsageIngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingestResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &ingestResp, nil
}

// Balance fetches any user's spendability view through the admin API.
func (c *Client) Balance(ctx context.Context, userID string) (*bursar.BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/api/admin/users/%s/balance", c.baseURL, url.PathEscape(userID))
	var balance bursar.BalanceResponse
	if err := c.getJSON(ctx, endpoint, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// Transactions pages any user's ledger history through the admin API.
func (c *Client) Transactions(ctx context.Context, userID string, limit int, cursor string) (*bursar.TransactionsResponse, error) {
	endpoint := fmt.Sprintf("%s/api/admin/users/%s/transactions", c.baseURL, url.PathEscape(userID))
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var page bursar.TransactionsResponse
	if err := c.getJSON(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Grant adds settled credits to a user's account
func (c *Client) Grant(ctx context.Context, req *bursar.GrantRequest) (*bursar.TransactionResponse, error) {
	return c.postTxn(ctx, c.baseURL+"/api/admin/grant", req)
}

// Refund returns previously debited credits to a user's account
func (c *Client) Refund(ctx context.Context, req *bursar.GrantRequest) (*bursar.TransactionResponse, error) {
	return c.postTxn(ctx, c.baseURL+"/api/admin/refund", req)
}

// Pricing fetches the active pricing snapshot
func (c *Client) Pricing(ctx context.Context) (*bursar.PricingResponse, error) {
	var pricing bursar.PricingResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/admin/pricing", &pricing); err != nil {
		return nil, err
	}
	return &pricing, nil
}

// PutPricing publishes the next pricing version for a model
func (c *Client) PutPricing(ctx context.Context, req *bursar.PricingUpsertRequest) error {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/admin/pricing", bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return fmt.Errorf("failed to call Bursar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Estimate projects the credit cost of an operation without charging it
func (c *Client) Estimate(ctx context.Context, req *bursar.EstimateRequest) (*bursar.EstimateResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/estimate", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Bursar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var estimate bursar.EstimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&estimate); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &estimate, nil
}

// setHeaders attaches the service token both ways the server accepts it:
// X-Service-Token for the internal routes and a Bearer header for the
// admin routes behind the JWT middleware.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.serviceToken)
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return fmt.Errorf("failed to call Bursar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) postTxn(ctx context.Context, endpoint string, payload interface{}) (*bursar.TransactionResponse, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call Bursar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var txnResp bursar.TransactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&txnResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &txnResp, nil
}

// decodeError turns a non-2xx response into a typed *bursar.APIError so
// callers can branch on the error kind instead of matching message text.
func decodeError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &bursar.APIError{StatusCode: resp.StatusCode, Message: "unreadable error body"}
	}

	var envelope bursar.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == "" {
		return &bursar.APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	return &bursar.APIError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Code,
		Message:    envelope.Error,
		Required:   envelope.Required,
		Available:  envelope.Available,
		TxnID:      envelope.TxnID,
		TxnStatus:  envelope.TxnStatus,
	}
}
