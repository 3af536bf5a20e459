package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelvault/pixelvault/pkg/chain"
	"github.com/pixelvault/pixelvault/pkg/payments"
	"github.com/pixelvault/pixelvault/pkg/types"
)

const (
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x2222222222222222222222222222222222222222"
	testChainID = 84532
)

type stubBackend struct {
	balance    *big.Int
	isValidSig bool
	calls      []common.Address
}

func (b *stubBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.calls = append(b.calls, *call.To)
	if strings.EqualFold(call.To.Hex(), chain.UniversalSigValidatorAddress) {
		out := make([]byte, 32)
		if b.isValidSig {
			out[31] = 1
		}
		return out, nil
	}
	return common.LeftPadBytes(b.balance.Bytes(), 32), nil
}

func (b *stubBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, fmt.Errorf("not implemented")
}

func (b *stubBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return nil, fmt.Errorf("not implemented")
}

func (b *stubBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return fmt.Errorf("not implemented")
}

func (b *stubBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return nil, fmt.Errorf("not implemented")
}

func newTestServer(t *testing.T) (*httptest.Server, *stubBackend) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := &stubBackend{balance: big.NewInt(100_000_000)}
	chainClient, err := chain.NewClient(backend, big.NewInt(testChainID))
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	server := New(chainClient, "base-sepolia", log)
	router := gin.New()
	server.Routes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, backend
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func signedVerifyRequest(t *testing.T) *types.VerifyRequest {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	buyer := crypto.PubkeyToAddress(key.PublicKey)

	auth := &types.ExactEvmPayloadAuthorization{
		From:        buyer.Hex(),
		To:          testPayTo,
		Value:       "7500000",
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(time.Now().Unix()+300, 10),
		Nonce:       "0x00000000000000000000000000000000000000000000000000000000000000bb",
	}
	requirements := &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "7500000",
		Resource:          "http://example.com/resources/img-1",
		PayTo:             testPayTo,
		Asset:             testAsset,
		Extra:             &types.PaymentExtra{Name: "USDC", Version: "2"},
	}

	digest, err := chain.HashTransferAuthorization(auth, big.NewInt(testChainID), testAsset, "USDC", "2")
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	return &types.VerifyRequest{
		X402Version: 1,
		PaymentPayload: &types.PaymentPayload{
			X402Version: 1,
			Scheme:      types.SchemeExact,
			Network:     "base-sepolia",
			Resource:    requirements.Resource,
			Payload: &types.ExactEvmPayload{
				Signature:     chain.BytesToHex(sig),
				Authorization: auth,
			},
		},
		PaymentRequirements: requirements,
	}
}

func TestVerifyX402Shape(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv, "/verify", signedVerifyRequest(t))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var verdict types.VerifyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verdict))
	assert.True(t, verdict.IsValid)
	assert.NotEmpty(t, verdict.Payer)
}

func TestVerifyX402ShapeRejectsBadAmount(t *testing.T) {
	srv, _ := newTestServer(t)
	req := signedVerifyRequest(t)
	req.PaymentRequirements.MaxAmountRequired = "9000000"

	resp := postJSON(t, srv, "/verify", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var verdict types.VerifyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verdict))
	assert.False(t, verdict.IsValid)
	assert.Equal(t, payments.ReasonAmountMismatch, verdict.InvalidReason)
}

func TestVerifyRawShape(t *testing.T) {
	srv, _ := newTestServer(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	message := "unlock payment 1234"
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)

	resp := postJSON(t, srv, "/verify", map[string]string{
		"signature": chain.BytesToHex(sig),
		"message":   message,
		"address":   signer.Hex(),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["verified"])
}

func TestVerifyRawShapeWrongSigner(t *testing.T) {
	srv, _ := newTestServer(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	message := "unlock payment 1234"
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)

	resp := postJSON(t, srv, "/verify", map[string]string{
		"signature": chain.BytesToHex(sig),
		"message":   message,
		"address":   "0x9999999999999999999999999999999999999999",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body["verified"])
}

func TestVerifyRawShapeSmartWalletRoutesToValidator(t *testing.T) {
	srv, backend := newTestServer(t)
	backend.isValidSig = true

	wrapped := make([]byte, 100)
	magic, err := chain.HexToBytes(chain.ERC6492MagicSuffix)
	require.NoError(t, err)
	copy(wrapped[len(wrapped)-len(magic):], magic)

	resp := postJSON(t, srv, "/verify", map[string]string{
		"signature": chain.BytesToHex(wrapped),
		"message":   "unlock payment 1234",
		"address":   "0x4444444444444444444444444444444444444444",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["verified"])

	routed := false
	for _, addr := range backend.calls {
		if strings.EqualFold(addr.Hex(), chain.UniversalSigValidatorAddress) {
			routed = true
		}
	}
	assert.True(t, routed)
}

func TestSettleX402WithoutExecutor(t *testing.T) {
	srv, _ := newTestServer(t)
	req := signedVerifyRequest(t)

	resp := postJSON(t, srv, "/settle", types.SettleRequest{
		X402Version:         1,
		PaymentPayload:      req.PaymentPayload,
		PaymentRequirements: req.PaymentRequirements,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var settle types.SettleResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settle))
	assert.True(t, settle.Success)
	assert.Equal(t, chain.ZeroTransactionRef, settle.Transaction)
}

func TestSettleRawShape(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv, "/settle", map[string]string{
		"paymentId": "pay-123",
		"amount":    "7500000",
		"recipient": testPayTo,
		"proof":     "0xdeadbeef",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["settled"])
	assert.Equal(t, "pay-123", body["paymentId"])
	assert.Equal(t, chain.ZeroTransactionRef, body["transaction"])
}

func TestUnrecognizedShapeIs400(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv, "/verify", map[string]string{"foo": "bar"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := postJSON(t, srv, "/settle", map[string]string{"foo": "bar"})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSupported(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/supported")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body types.SupportedPaymentKindsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Kinds, 1)
	assert.Equal(t, types.SchemeExact, body.Kinds[0].Scheme)
	assert.Equal(t, "base-sepolia", body.Kinds[0].Network)
}
