package payments

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pixelvault/pixelvault/pkg/chain"
	"github.com/pixelvault/pixelvault/pkg/facilitatorclient"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// Settler executes a verified payment. Settlement is attempted exactly once
// per request: a failure is reported to the caller and never retried here,
// and the caller must not issue a license after a failed settlement.
type Settler interface {
	Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

// LocalSettler submits the ERC-3009 transfer itself. Without an executor key
// it runs in dev mode: settlement is skipped and the all-zero sentinel is
// recorded as the transaction ref.
type LocalSettler struct {
	Chain *chain.Client
}

func (s *LocalSettler) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	auth := payload.Payload.Authorization

	if !s.Chain.CanSettle() {
		return &types.SettleResponse{
			Success:     true,
			Transaction: chain.ZeroTransactionRef,
			Network:     payload.Network,
			Payer:       auth.From,
		}, nil
	}

	txHash, err := s.Chain.TransferWithAuthorization(
		ctx, common.HexToAddress(requirements.Asset), auth, payload.Payload.Signature,
	)
	if err != nil {
		return &types.SettleResponse{
			Success:     false,
			ErrorReason: err.Error(),
			Transaction: "",
			Network:     payload.Network,
			Payer:       auth.From,
		}, nil
	}

	return &types.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     payload.Network,
		Payer:       auth.From,
	}, nil
}

// RemoteSettler delegates settlement to a facilitator's /settle endpoint.
type RemoteSettler struct {
	Client *facilitatorclient.FacilitatorClient
}

func (s *RemoteSettler) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	resp, err := s.Client.Settle(ctx, payload, requirements)
	if err != nil {
		return nil, fmt.Errorf("facilitator settle failed: %w", err)
	}
	return resp, nil
}
