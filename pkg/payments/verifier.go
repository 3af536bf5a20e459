package payments

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pixelvault/pixelvault/pkg/chain"
	"github.com/pixelvault/pixelvault/pkg/facilitatorclient"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// Verifier checks a decoded payment proof against the requirements of one
// resource. A rejected proof is not an error: it comes back as
// IsValid=false with a machine-readable reason. The error return is reserved
// for infrastructure failures (chain RPC down, facilitator unreachable).
type Verifier interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
}

// LocalVerifier runs every check in-process against a chain RPC client.
type LocalVerifier struct {
	Chain *chain.Client
}

// Verify applies the checks in a fixed order and stops at the first failure,
// so a proof wrong in several ways always reports the same reason:
// scheme/network, resource binding, amount, recipient, validity window,
// buyer balance, signature.
func (v *LocalVerifier) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	if payload.Scheme != types.SchemeExact || payload.Scheme != requirements.Scheme {
		return invalid(ReasonUnsupportedScheme), nil
	}
	if payload.Network != requirements.Network {
		return invalid(ReasonUnsupportedScheme), nil
	}

	auth := payload.Payload.Authorization

	if payload.Resource != "" && payload.Resource != requirements.Resource {
		return invalid(ReasonResourceMismatch), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(ReasonAmountMismatch), nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("requirements amount %q is not an integer", requirements.MaxAmountRequired)
	}
	if value.Cmp(required) < 0 {
		return invalid(ReasonAmountMismatch), nil
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return invalid(ReasonRecipientMismatch), nil
	}

	if !withinValidityWindow(auth, time.Now()) {
		return invalid(ReasonAuthorizationExpired), nil
	}

	balance, err := v.Chain.TokenBalance(ctx, common.HexToAddress(requirements.Asset), common.HexToAddress(auth.From))
	if err != nil {
		return nil, fmt.Errorf("failed to read buyer balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return invalid(ReasonInsufficientFunds), nil
	}

	var tokenName, tokenVersion string
	if requirements.Extra != nil {
		tokenName = requirements.Extra.Name
		tokenVersion = requirements.Extra.Version
	}
	valid, err := v.Chain.VerifyAuthorizationSignature(
		ctx, auth, payload.Payload.Signature,
		common.HexToAddress(requirements.Asset), tokenName, tokenVersion,
	)
	if err != nil || !valid {
		return invalid(ReasonInvalidSignature), nil
	}

	return &types.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

// withinValidityWindow checks validAfter <= now < validBefore on unix
// timestamps carried as decimal strings.
func withinValidityWindow(auth *types.ExactEvmPayloadAuthorization, now time.Time) bool {
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return false
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return false
	}
	unix := big.NewInt(now.Unix())
	return validAfter.Cmp(unix) <= 0 && unix.Cmp(validBefore) < 0
}

func invalid(reason string) *types.VerifyResponse {
	return &types.VerifyResponse{IsValid: false, InvalidReason: reason}
}

// RemoteVerifier delegates verification to a facilitator's /verify endpoint
// and relays its verdict verbatim, reason included.
type RemoteVerifier struct {
	Client *facilitatorclient.FacilitatorClient
}

func (v *RemoteVerifier) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	resp, err := v.Client.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, fmt.Errorf("facilitator verify failed: %w", err)
	}
	return resp, nil
}
