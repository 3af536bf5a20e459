package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrMalformedProof indicates the payment header is not base64(JSON) at all.
// Maps to HTTP 400.
var ErrMalformedProof = errors.New("malformed payment proof")

// ErrInvalidProofShape indicates the decoded proof is missing required fields
// or a field fails format validation. Maps to HTTP 400.
var ErrInvalidProofShape = errors.New("invalid payment proof")

// base64Regex requires at least one character of standard base64.
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// addressRegex matches a 0x-prefixed 20-byte hex address.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// DecodePaymentHeader validates and decodes an X-Payment header value into a
// typed PaymentPayload. It checks, in order: base64 format, JSON structure,
// required top-level fields, and required payload fields including address
// formats. Pure parsing; no network or state side effects.
func DecodePaymentHeader(headerValue string) (*PaymentPayload, error) {
	if headerValue == "" {
		return nil, fmt.Errorf("%w: header is empty", ErrMalformedProof)
	}

	if !base64Regex.MatchString(headerValue) {
		return nil, fmt.Errorf("%w: not valid base64", ErrMalformedProof)
	}

	decoded, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decoding failed: %v", ErrMalformedProof, err)
	}

	// Validate shape on a raw map first so field errors are precise.
	var raw map[string]any
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrMalformedProof, err)
	}

	version, ok := raw["x402Version"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing or non-numeric x402Version", ErrInvalidProofShape)
	}
	if int(version) < 1 {
		return nil, fmt.Errorf("%w: x402Version must be at least 1", ErrInvalidProofShape)
	}

	if s, ok := raw["scheme"].(string); !ok || s == "" {
		return nil, fmt.Errorf("%w: missing scheme", ErrInvalidProofShape)
	}
	if n, ok := raw["network"].(string); !ok || n == "" {
		return nil, fmt.Errorf("%w: missing network", ErrInvalidProofShape)
	}
	if r, present := raw["resource"]; present {
		if _, ok := r.(string); !ok {
			return nil, fmt.Errorf("%w: resource must be a string", ErrInvalidProofShape)
		}
	}

	payloadMap, ok := raw["payload"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing payload object", ErrInvalidProofShape)
	}
	if sig, ok := payloadMap["signature"].(string); !ok || sig == "" {
		return nil, fmt.Errorf("%w: missing payload.signature", ErrInvalidProofShape)
	}

	authMap, ok := payloadMap["authorization"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing payload.authorization object", ErrInvalidProofShape)
	}
	for _, field := range []string{"from", "to"} {
		addr, ok := authMap[field].(string)
		if !ok || addr == "" {
			return nil, fmt.Errorf("%w: missing payload.authorization.%s", ErrInvalidProofShape, field)
		}
		if !addressRegex.MatchString(addr) {
			return nil, fmt.Errorf("%w: payload.authorization.%s is not a valid address", ErrInvalidProofShape, field)
		}
	}
	for _, field := range []string{"value", "validAfter", "validBefore", "nonce"} {
		if v, ok := authMap[field].(string); !ok || v == "" {
			return nil, fmt.Errorf("%w: missing payload.authorization.%s", ErrInvalidProofShape, field)
		}
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProofShape, err)
	}
	return &payload, nil
}
