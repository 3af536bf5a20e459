package gate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelvault/pixelvault/pkg/ledger"
	"github.com/pixelvault/pixelvault/pkg/payments"
	"github.com/pixelvault/pixelvault/pkg/storage"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/pixelvault/pixelvault/pkg/vault"
)

const (
	testBuyer = "0x1111111111111111111111111111111111111111"
	testPayTo = "0x2222222222222222222222222222222222222222"
	testAsset = "0x3333333333333333333333333333333333333333"
)

type stubVerifier struct {
	calls    atomic.Int64
	response *types.VerifyResponse
	err      error
}

func (v *stubVerifier) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	resp := *v.response
	if resp.IsValid {
		resp.Payer = payload.Payload.Authorization.From
	}
	return &resp, nil
}

type stubSettler struct {
	calls    atomic.Int64
	response *types.SettleResponse
	err      error
	delay    time.Duration
}

func (s *stubSettler) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

type gateFixture struct {
	gate     *Gate
	server   *httptest.Server
	store    *ledger.MemoryStore
	verifier *stubVerifier
	settler  *stubSettler
	imageID  string
	content  []byte
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	masterKey := bytes.Repeat([]byte{0x42}, 32)
	store := ledger.NewMemoryStore()
	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	verifier := &stubVerifier{response: &types.VerifyResponse{IsValid: true}}
	settler := &stubSettler{response: &types.SettleResponse{
		Success:     true,
		Transaction: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Network:     "base-sepolia",
	}}

	builder := &payments.RequirementsBuilder{
		Network:      "base-sepolia",
		PayTo:        testPayTo,
		Asset:        testAsset,
		TokenName:    "USDC",
		TokenVersion: "2",
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	g := New(store, blobs, verifier, settler, builder, masterKey, "http://example.com", log)
	router := gin.New()
	g.Routes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	// Publish one image directly, the way the publish handler does it.
	content := []byte("the full resolution image")
	contentKey, err := vault.GenerateContentKey()
	require.NoError(t, err)
	ciphertext, err := vault.EncryptContent(content, contentKey)
	require.NoError(t, err)
	locator, err := blobs.Put(context.Background(), ciphertext)
	require.NoError(t, err)
	previewLocator, err := blobs.Put(context.Background(), []byte("low-res preview"))
	require.NoError(t, err)
	wrapped, err := vault.WrapKey(contentKey, masterKey)
	require.NoError(t, err)

	image := &ledger.Image{
		ID:             "img-1",
		Title:          "Sunset",
		Price:          "7.50",
		MimeType:       "image/png",
		Filename:       "sunset.png",
		ContentLocator: locator,
		PreviewLocator: previewLocator,
		WrappedKey:     wrapped,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.CreateImage(context.Background(), image))

	return &gateFixture{
		gate:     g,
		server:   server,
		store:    store,
		verifier: verifier,
		settler:  settler,
		imageID:  image.ID,
		content:  content,
	}
}

func (f *gateFixture) proofHeader(t *testing.T) string {
	t.Helper()
	header, err := types.EncodePaymentPayload(&types.PaymentPayload{
		X402Version: 1,
		Scheme:      types.SchemeExact,
		Network:     "base-sepolia",
		Resource:    "http://example.com/resources/" + f.imageID,
		Payload: &types.ExactEvmPayload{
			Signature: "0xdeadbeef",
			Authorization: &types.ExactEvmPayloadAuthorization{
				From:        testBuyer,
				To:          testPayTo,
				Value:       "7500000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x00000000000000000000000000000000000000000000000000000000000000aa",
			},
		},
	})
	require.NoError(t, err)
	return header
}

func (f *gateFixture) get(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestUnknownResourceIs404(t *testing.T) {
	f := newGateFixture(t)

	resp := f.get(t, "/resources/nope", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A proof, valid or not, must not change the answer.
	resp2 := f.get(t, "/resources/nope", map[string]string{types.PaymentHeader: f.proofHeader(t)})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	assert.Zero(t, f.verifier.calls.Load())
}

func TestNoProofGetsChallenge(t *testing.T) {
	f := newGateFixture(t)

	resp := f.get(t, "/resources/"+f.imageID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var body types.PaymentRequired
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.X402Version)
	assert.Contains(t, body.Error, "X-Payment")
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "7500000", body.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "http://example.com/resources/img-1", body.Accepts[0].Resource)
	assert.Equal(t, testPayTo, body.Accepts[0].PayTo)
	require.NotNil(t, body.Resource)
	assert.Equal(t, "img-1", body.Resource.ID)
}

func TestMalformedProofIs400(t *testing.T) {
	f := newGateFixture(t)

	resp := f.get(t, "/resources/"+f.imageID, map[string]string{
		types.PaymentHeader: "not-valid-base64!!!",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "payment proof")
	assert.Zero(t, f.verifier.calls.Load())
	assert.Zero(t, f.settler.calls.Load())
}

func TestFirstPurchaseDeliversContent(t *testing.T) {
	f := newGateFixture(t)

	resp := f.get(t, "/resources/"+f.imageID, map[string]string{
		types.PaymentHeader: f.proofHeader(t),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.content, got)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "sunset.png")
	assert.NotEmpty(t, resp.Header.Get(types.LicenseIDHeader))

	encoded := resp.Header.Get(types.PaymentResponseHeader)
	require.NotEmpty(t, encoded)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	var paymentResp types.PaymentResponse
	require.NoError(t, json.Unmarshal(decoded, &paymentResp))
	assert.Equal(t, f.settler.response.Transaction, paymentResp.Transaction)
	assert.Equal(t, resp.Header.Get(types.LicenseIDHeader), paymentResp.LicenseID)
	assert.Equal(t, "base-sepolia", paymentResp.Network)

	assert.Equal(t, int64(1), f.verifier.calls.Load())
	assert.Equal(t, int64(1), f.settler.calls.Load())

	license, err := f.store.FindLicense(context.Background(), f.imageID, testBuyer)
	require.NoError(t, err)
	assert.Equal(t, f.settler.response.Transaction, license.TransactionRef)
}

func TestReplayWithBuyerHeaderSkipsPayment(t *testing.T) {
	f := newGateFixture(t)

	first := f.get(t, "/resources/"+f.imageID, map[string]string{
		types.PaymentHeader: f.proofHeader(t),
	})
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	// Re-access with just the buyer address, no proof.
	resp := f.get(t, "/resources/"+f.imageID, map[string]string{
		types.BuyerAddressHeader: testBuyer,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.content, got)
	assert.Empty(t, resp.Header.Get(types.PaymentResponseHeader))
	assert.Equal(t, int64(1), f.verifier.calls.Load())
	assert.Equal(t, int64(1), f.settler.calls.Load())
}

func TestReplayWithProofDoesNotResettle(t *testing.T) {
	f := newGateFixture(t)
	header := f.proofHeader(t)

	first := f.get(t, "/resources/"+f.imageID, map[string]string{types.PaymentHeader: header})
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	resp := f.get(t, "/resources/"+f.imageID, map[string]string{types.PaymentHeader: header})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(types.PaymentResponseHeader))
	assert.Equal(t, int64(1), f.settler.calls.Load())
}

func TestInvalidProofGets402WithReason(t *testing.T) {
	f := newGateFixture(t)
	f.verifier.response = &types.VerifyResponse{IsValid: false, InvalidReason: payments.ReasonAmountMismatch}

	resp := f.get(t, "/resources/"+f.imageID, map[string]string{
		types.PaymentHeader: f.proofHeader(t),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var body types.PaymentRequired
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, payments.ReasonAmountMismatch, body.Reason)
	require.Len(t, body.Accepts, 1)
	assert.Zero(t, f.settler.calls.Load())
}

func TestSettlementFailureIs500WithoutLicense(t *testing.T) {
	f := newGateFixture(t)
	f.settler.response = &types.SettleResponse{Success: false, ErrorReason: "transfer reverted"}

	resp := f.get(t, "/resources/"+f.imageID, map[string]string{
		types.PaymentHeader: f.proofHeader(t),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	_, err := f.store.FindLicense(context.Background(), f.imageID, testBuyer)
	assert.ErrorIs(t, err, ledger.ErrLicenseNotFound)
	assert.Equal(t, int64(1), f.settler.calls.Load())
}

func TestConcurrentPurchasesSettleOnce(t *testing.T) {
	f := newGateFixture(t)
	f.settler.delay = 50 * time.Millisecond
	header := f.proofHeader(t)

	const concurrency = 8
	var wg sync.WaitGroup
	statuses := make([]int, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := f.get(t, "/resources/"+f.imageID, map[string]string{types.PaymentHeader: header})
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for _, status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, int64(1), f.settler.calls.Load())
}

func TestPreviewIsFree(t *testing.T) {
	f := newGateFixture(t)

	resp := f.get(t, fmt.Sprintf("/resources/%s/preview", f.imageID), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("low-res preview"), got)
	assert.Zero(t, f.verifier.calls.Load())
}

func TestPublishThenPurchase(t *testing.T) {
	f := newGateFixture(t)

	publishBody, err := json.Marshal(PublishRequest{
		Title:    "Harbor at dawn",
		Price:    "1.25",
		MimeType: "image/jpeg",
		Filename: "harbor.jpg",
		Content:  []byte("fresh upload bytes"),
		Preview:  []byte("harbor preview"),
	})
	require.NoError(t, err)

	resp, err := f.server.Client().Post(f.server.URL+"/resources", "application/json", bytes.NewReader(publishBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created["id"])

	// The challenge for the new image quotes its own price.
	challenge := f.get(t, "/resources/"+created["id"], nil)
	defer challenge.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, challenge.StatusCode)
	var body types.PaymentRequired
	require.NoError(t, json.NewDecoder(challenge.Body).Decode(&body))
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "1250000", body.Accepts[0].MaxAmountRequired)

	// And a purchase round-trips the stored ciphertext back to plaintext.
	download := f.get(t, "/resources/"+created["id"], map[string]string{
		types.PaymentHeader: f.proofHeader(t),
	})
	defer download.Body.Close()
	require.Equal(t, http.StatusOK, download.StatusCode)
	got, err := io.ReadAll(download.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh upload bytes"), got)
}

func TestFilenameSanitized(t *testing.T) {
	assert.Equal(t, "download", sanitizeFilename(""))
	assert.Equal(t, "_etc_passwd", sanitizeFilename("/etc/passwd"))
	assert.Equal(t, "__evil.png", sanitizeFilename("../evil.png"))
	assert.Equal(t, "a_b.png", sanitizeFilename(`a"b.png`))
	assert.Equal(t, "sunset.png", sanitizeFilename("sunset.png"))
}
