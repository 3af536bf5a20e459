// Package chain wraps the EVM RPC surface this system needs: token balance
// reads, EIP-712 signature verification (EOA and smart-contract-wallet), and
// ERC-3009 settlement submission. Clients are constructed explicitly and
// injected; there is no package-level connection state.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pixelvault/pixelvault/pkg/types"
)

// Backend is the subset of the Ethereum RPC client the chain client uses.
// *ethclient.Client satisfies it; tests substitute a stub.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

const (
	settleGasLimit     = 150000
	receiptPollEvery   = 500 * time.Millisecond
	receiptWaitTimeout = 60 * time.Second
)

// Client talks to one EVM network.
type Client struct {
	backend Backend
	chainID *big.Int

	executorKey *ecdsa.PrivateKey

	erc20ABI     abi.ABI
	transferABI  abi.ABI
	validatorABI abi.ABI
}

// Dial connects to an RPC endpoint and queries its chain id once. Fails fast
// on an unreachable endpoint rather than deferring the error to first use.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("chain RPC URL is required")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	return NewClient(eth, chainID)
}

// NewClient builds a client over an existing backend. Used directly by tests.
func NewClient(backend Backend, chainID *big.Int) (*Client, error) {
	erc20ABI, err := abi.JSON(bytes.NewReader(ERC20BalanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	transferABI, err := abi.JSON(bytes.NewReader(TransferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse EIP-3009 ABI: %w", err)
	}
	validatorABI, err := abi.JSON(bytes.NewReader(UniversalSigValidatorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse validator ABI: %w", err)
	}

	return &Client{
		backend:      backend,
		chainID:      chainID,
		erc20ABI:     erc20ABI,
		transferABI:  transferABI,
		validatorABI: validatorABI,
	}, nil
}

// WithExecutor arms the client with a settlement key. Without one, the client
// can read and verify but not submit transactions.
func (c *Client) WithExecutor(privateKeyHex string) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid executor private key: %w", err)
	}
	c.executorKey = key
	return c, nil
}

// CanSettle reports whether the client holds an executor key.
func (c *Client) CanSettle() bool {
	return c.executorKey != nil
}

// ChainID returns the connected network's chain id.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// TokenBalance reads an ERC-20 balance via eth_call.
func (c *Client) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := c.erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	out, err := c.erc20ABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type")
	}
	return balance, nil
}

// VerifyAuthorizationSignature checks that the proof's signature is a valid
// EIP-712 signature by the claimed signer over the exact authorization tuple
// under the token contract's domain. Signatures carrying the ERC-6492 magic
// suffix route to the on-chain universal validator instead of EOA recovery.
func (c *Client) VerifyAuthorizationSignature(
	ctx context.Context,
	auth *types.ExactEvmPayloadAuthorization,
	signatureHex string,
	asset common.Address,
	tokenName string,
	tokenVersion string,
) (bool, error) {
	signature, err := HexToBytes(signatureHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}

	digest, err := HashTransferAuthorization(auth, c.chainID, asset.Hex(), tokenName, tokenVersion)
	if err != nil {
		return false, err
	}

	return c.ValidateSignature(ctx, common.HexToAddress(auth.From), digest, signature)
}

// ValidateSignature verifies a signature over an arbitrary 32-byte digest,
// routing smart-contract-wallet signatures to the ERC-6492 validator.
func (c *Client) ValidateSignature(ctx context.Context, signer common.Address, digest []byte, signature []byte) (bool, error) {
	if IsSmartWalletSignature(signature) {
		return c.validateSmartWalletSignature(ctx, signer, digest, signature)
	}

	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return false, nil
	}
	return recovered == signer, nil
}

// validateSmartWalletSignature asks the ERC-6492 UniversalSigValidator via
// eth_call; the validator simulates wallet deployment if needed and runs
// EIP-1271 isValidSignature. No state is committed.
func (c *Client) validateSmartWalletSignature(ctx context.Context, signer common.Address, digest []byte, signature []byte) (bool, error) {
	var hash [32]byte
	copy(hash[:], digest)

	data, err := c.validatorABI.Pack("isValidSig", signer, hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to pack isValidSig: %w", err)
	}

	validator := common.HexToAddress(UniversalSigValidatorAddress)
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &validator, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("isValidSig call failed: %w", err)
	}

	out, err := c.validatorABI.Unpack("isValidSig", result)
	if err != nil {
		return false, fmt.Errorf("failed to unpack isValidSig result: %w", err)
	}
	valid, ok := out[0].(bool)
	if !ok {
		return false, nil
	}
	return valid, nil
}

// TransferWithAuthorization submits the ERC-3009 transfer and waits for the
// receipt. Returns the transaction hash only once the transfer is mined and
// successful; any other outcome is an error and the caller must not record a
// license.
func (c *Client) TransferWithAuthorization(
	ctx context.Context,
	asset common.Address,
	auth *types.ExactEvmPayloadAuthorization,
	signatureHex string,
) (string, error) {
	if c.executorKey == nil {
		return "", fmt.Errorf("no settlement executor configured")
	}

	signature, err := HexToBytes(signatureHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("invalid signature length: %d", len(signature))
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return "", fmt.Errorf("invalid authorization nonce: %s", auth.Nonce)
	}

	var r, s, nonce32 [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	copy(nonce32[:], nonceBytes)
	v := signature[64]
	if v < 27 {
		v += 27
	}

	data, err := c.transferABI.Pack(
		FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce32,
		v,
		r,
		s,
	)
	if err != nil {
		return "", fmt.Errorf("failed to pack transferWithAuthorization: %w", err)
	}

	executor := crypto.PubkeyToAddress(c.executorKey.PublicKey)
	txNonce, err := c.backend.PendingNonceAt(ctx, executor)
	if err != nil {
		return "", fmt.Errorf("failed to fetch executor nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := ethtypes.NewTransaction(txNonce, asset, big.NewInt(0), settleGasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.executorKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign settlement tx: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to submit settlement tx: %w", err)
	}

	receipt, err := c.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return "", err
	}
	if receipt.Status != TxStatusSuccess {
		return "", fmt.Errorf("settlement transaction %s reverted", signedTx.Hash().Hex())
	}
	return signedTx.Hash().Hex(), nil
}

func (c *Client) waitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, receiptWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("timed out waiting for settlement receipt %s: %w", txHash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}
