// Package facilitatorclient is the HTTP client for a remote payment
// facilitator's /verify, /settle, and /supported endpoints.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pixelvault/pixelvault/pkg/types"
)

const (
	// DefaultTimeout bounds every facilitator call. A facilitator that hangs
	// must not hang the buyer's download request with it.
	DefaultTimeout = 30 * time.Second

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"
)

// FacilitatorClient verifies and settles payments through a remote
// facilitator.
type FacilitatorClient struct {
	URL               string
	HTTPClient        *http.Client
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// NewFacilitatorClient creates a client for the configured facilitator URL.
func NewFacilitatorClient(config *types.FacilitatorConfig) *FacilitatorClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &FacilitatorClient{
		URL:               config.URL,
		HTTPClient:        &http.Client{Timeout: timeout},
		CreateAuthHeaders: config.CreateAuthHeaders,
	}
}

// Verify sends a payment verification request to the facilitator.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	reqBody := &types.VerifyRequest{
		X402Version:         types.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var verifyResp types.VerifyResponse
	if err := c.post(ctx, "verify", authHeaderVerify, reqBody, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

// Settle sends a payment settlement request to the facilitator.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	reqBody := &types.SettleRequest{
		X402Version:         types.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var settleResp types.SettleResponse
	if err := c.post(ctx, "settle", authHeaderSettle, reqBody, &settleResp); err != nil {
		return nil, err
	}
	return &settleResp, nil
}

// Supported retrieves the payment kinds the facilitator handles.
func (c *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedPaymentKindsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/supported", c.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.addAuthHeader(req, authHeaderSupported); err != nil {
		return nil, fmt.Errorf("failed to apply supported auth headers: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send supported request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get supported payment kinds: %s", resp.Status)
	}

	var supportedResp types.SupportedPaymentKindsResponse
	if err := json.NewDecoder(resp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supportedResp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, endpoint, authKey string, body any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.URL, endpoint), bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.addAuthHeader(req, authKey); err != nil {
		return fmt.Errorf("failed to apply %s auth headers: %w", endpoint, err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s returned %s", endpoint, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *FacilitatorClient) addAuthHeader(req *http.Request, key string) error {
	if c.CreateAuthHeaders == nil {
		return nil
	}

	headers, err := c.CreateAuthHeaders()
	if err != nil {
		return fmt.Errorf("create auth headers: %w", err)
	}

	actionHeaders, ok := headers[key]
	if !ok {
		return nil
	}
	for headerKey, value := range actionHeaders {
		req.Header.Set(headerKey, value)
	}
	return nil
}
