// Package types defines the x402 wire types exchanged between buyers, the
// resource server, and the facilitator, together with the payment-header
// codec that turns the raw X-Payment header into a validated, typed payload.
package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// X402Version is the protocol version spoken by this server.
const X402Version = 1

// SchemeExact is the only payment scheme this server accepts: an ERC-3009
// transferWithAuthorization for the exact (or greater) required amount.
const SchemeExact = "exact"

// HTTP header names used by the payment protocol.
const (
	PaymentHeader         = "X-Payment"
	PaymentResponseHeader = "X-Payment-Response"
	LicenseIDHeader       = "X-License-Id"
	BuyerAddressHeader    = "X-Buyer-Address"
)

// PaymentRequirements is the 402 challenge payload describing what payment
// unlocks a resource. Recomputed per request, never persisted.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`

	// Extra carries the token's EIP-712 domain info so buyers can build the
	// TransferWithAuthorization signature without a separate metadata lookup.
	Extra *PaymentExtra `json:"extra,omitempty"`
}

// PaymentExtra contains token metadata required for EIP-712 signature
// creation and verification.
type PaymentExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ExactEvmPayloadAuthorization is the ERC-3009 TransferWithAuthorization
// message that the buyer signed.
type ExactEvmPayloadAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload is the signed authorization carried in a payment proof.
type ExactEvmPayload struct {
	Signature     string                        `json:"signature"`
	Authorization *ExactEvmPayloadAuthorization `json:"authorization"`
}

// PaymentPayload is a decoded payment proof. The codec guarantees that
// Payload and Payload.Authorization are non-nil and shape-valid before any
// other component sees the value. Transient: never persisted or logged with
// the signature intact.
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"`
	Resource    string           `json:"resource,omitempty"`
	Payload     *ExactEvmPayload `json:"payload"`
}

// ResourceInfo is the resource metadata embedded in a 402 challenge.
type ResourceInfo struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	PreviewURL string `json:"previewUrl,omitempty"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
}

// VerifyRequest is the body posted to a facilitator's /verify endpoint.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is a facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest is the body posted to a facilitator's /settle endpoint.
// Identical shape to VerifyRequest by design.
type SettleRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse is the result of a settlement attempt.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// PaymentResponse is surfaced to the buyer in the X-Payment-Response header
// on the first successful purchase. Replays of an existing license do not
// carry it.
type PaymentResponse struct {
	Transaction string `json:"transaction"`
	LicenseID   string `json:"licenseId"`
	Network     string `json:"network"`
}

// EncodeToBase64String encodes the payment response as base64(JSON) for the
// X-Payment-Response header.
func (p *PaymentResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// EncodePaymentPayload encodes a payment payload the way a buyer places it
// into the X-Payment header. Used by clients and tests.
func EncodePaymentPayload(p *PaymentPayload) (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// SupportedPaymentKind is one (version, scheme, network) triple a facilitator
// can verify and settle.
type SupportedPaymentKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedPaymentKindsResponse is the body of a facilitator's /supported.
type SupportedPaymentKindsResponse struct {
	Kinds []SupportedPaymentKind `json:"kinds"`
}

// FacilitatorConfig configures a facilitator client.
type FacilitatorConfig struct {
	URL               string
	Timeout           time.Duration
	CreateAuthHeaders func() (map[string]map[string]string, error)
}
