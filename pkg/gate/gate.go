// Package gate is the payment gate in front of resource downloads. It owns
// the request state machine: existence check, license replay, 402 challenge,
// proof verification, settlement, license issuance, and content decryption.
// All collaborators are injected; the gate holds no global state.
package gate

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelvault/pixelvault/pkg/ledger"
	"github.com/pixelvault/pixelvault/pkg/payments"
	"github.com/pixelvault/pixelvault/pkg/storage"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/pixelvault/pixelvault/pkg/vault"
)

// Gate serves payment-gated resources.
type Gate struct {
	Store     ledger.Store
	Content   storage.ContentStore
	Verifier  payments.Verifier
	Settler   payments.Settler
	Builder   *payments.RequirementsBuilder
	MasterKey []byte
	BaseURL   string
	Log       *logrus.Logger

	inflight *inflightGuard
}

// New wires a gate from its collaborators.
func New(store ledger.Store, content storage.ContentStore, verifier payments.Verifier, settler payments.Settler, builder *payments.RequirementsBuilder, masterKey []byte, baseURL string, log *logrus.Logger) *Gate {
	if log == nil {
		log = logrus.New()
	}
	return &Gate{
		Store:     store,
		Content:   content,
		Verifier:  verifier,
		Settler:   settler,
		Builder:   builder,
		MasterKey: masterKey,
		BaseURL:   baseURL,
		Log:       log,
		inflight:  newInflightGuard(),
	}
}

// Download handles GET /resources/:id.
//
// Decision order: a missing resource is 404 before any payment logic runs; an
// existing license replays the content without touching the verifier or
// settler; otherwise a proof is demanded, verified, settled, and a license is
// written only after settlement succeeds.
func (g *Gate) Download(c *gin.Context) {
	imageID := c.Param("id")

	image, err := g.Store.FindImage(c.Request.Context(), imageID)
	if errors.Is(err, ledger.ErrImageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if err != nil {
		g.serverError(c, "image lookup failed", err)
		return
	}

	// Identify the buyer: from the proof if one is present, else from the
	// optional buyer-address header so licensed buyers can re-download
	// without re-signing anything.
	var payload *types.PaymentPayload
	buyer := c.GetHeader(types.BuyerAddressHeader)
	if header := c.GetHeader(types.PaymentHeader); header != "" {
		payload, err = types.DecodePaymentHeader(header)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		buyer = payload.Payload.Authorization.From
	}

	if buyer != "" {
		license, err := g.Store.FindLicense(c.Request.Context(), image.ID, buyer)
		if err == nil {
			g.serveLicensed(c, image, license, nil)
			return
		}
		if !errors.Is(err, ledger.ErrLicenseNotFound) {
			g.serverError(c, "license lookup failed", err)
			return
		}
	}

	requirements, err := g.Builder.Build(image, g.BaseURL)
	if err != nil {
		g.serverError(c, "failed to build payment requirements", err)
		return
	}

	if payload == nil {
		g.challenge(c, image, requirements, "")
		return
	}

	g.purchase(c, image, payload, requirements, buyer)
}

// purchase runs verify -> settle -> license under the per-(image, buyer)
// in-flight guard.
func (g *Gate) purchase(c *gin.Context, image *ledger.Image, payload *types.PaymentPayload, requirements *types.PaymentRequirements, buyer string) {
	release := g.inflight.acquire(image.ID + "/" + ledger.NormalizeAddress(buyer))
	defer release()

	// A concurrent request may have completed the purchase while we waited.
	if license, err := g.Store.FindLicense(c.Request.Context(), image.ID, buyer); err == nil {
		g.serveLicensed(c, image, license, nil)
		return
	} else if !errors.Is(err, ledger.ErrLicenseNotFound) {
		g.serverError(c, "license lookup failed", err)
		return
	}

	verdict, err := g.Verifier.Verify(c.Request.Context(), payload, requirements)
	if err != nil {
		g.serverError(c, "payment verification failed", err)
		return
	}
	if !verdict.IsValid {
		g.log(c).WithField("reason", verdict.InvalidReason).Info("payment proof rejected")
		g.challenge(c, image, requirements, verdict.InvalidReason)
		return
	}

	settlement, err := g.Settler.Settle(c.Request.Context(), payload, requirements)
	if err != nil {
		g.serverError(c, "settlement failed", err)
		return
	}
	if !settlement.Success {
		g.serverError(c, "settlement failed", fmt.Errorf("%s", settlement.ErrorReason))
		return
	}

	license := &ledger.License{
		ID:             uuid.NewString(),
		ImageID:        image.ID,
		BuyerAddress:   buyer,
		PayeeAddress:   requirements.PayTo,
		PricePaid:      requirements.MaxAmountRequired,
		TransactionRef: settlement.Transaction,
		IssuedAt:       time.Now(),
	}
	err = g.Store.CreateLicense(c.Request.Context(), license)
	if errors.Is(err, ledger.ErrAlreadyLicensed) {
		// Lost a race with another writer; the buyer is licensed either way.
		existing, findErr := g.Store.FindLicense(c.Request.Context(), image.ID, buyer)
		if findErr != nil {
			g.serverError(c, "license lookup failed", findErr)
			return
		}
		g.serveLicensed(c, image, existing, nil)
		return
	}
	if err != nil {
		g.serverError(c, "failed to record license", err)
		return
	}

	g.log(c).WithFields(logrus.Fields{
		"image":   image.ID,
		"buyer":   ledger.NormalizeAddress(buyer),
		"license": license.ID,
		"tx":      settlement.Transaction,
	}).Info("purchase settled")

	g.serveLicensed(c, image, license, &types.PaymentResponse{
		Transaction: settlement.Transaction,
		LicenseID:   license.ID,
		Network:     settlement.Network,
	})
}

// challenge writes the 402 response. reason is empty for a plain "no proof"
// challenge and carries the rejection reason otherwise.
func (g *Gate) challenge(c *gin.Context, image *ledger.Image, requirements *types.PaymentRequirements, reason string) {
	errMsg := "X-Payment header is required"
	if reason != "" {
		errMsg = "invalid payment"
	}

	c.JSON(http.StatusPaymentRequired, &types.PaymentRequired{
		X402Version: types.X402Version,
		Error:       errMsg,
		Reason:      reason,
		Accepts:     []types.PaymentRequirements{*requirements},
		Resource: &types.ResourceInfo{
			ID:         image.ID,
			Title:      image.Title,
			MimeType:   image.MimeType,
			PreviewURL: fmt.Sprintf("%s/resources/%s/preview", g.BaseURL, image.ID),
		},
	})
}

// serveLicensed decrypts and streams the content. paymentResponse is non-nil
// only on the request that completed the purchase; replays never carry it.
func (g *Gate) serveLicensed(c *gin.Context, image *ledger.Image, license *ledger.License, paymentResponse *types.PaymentResponse) {
	ciphertext, err := g.Content.Get(c.Request.Context(), image.ContentLocator)
	if err != nil {
		g.serverError(c, "failed to load content", err)
		return
	}
	contentKey, err := vault.UnwrapKey(image.WrappedKey, g.MasterKey)
	if err != nil {
		g.serverError(c, "failed to unwrap content key", err)
		return
	}
	plain, err := vault.DecryptContent(ciphertext, contentKey)
	if err != nil {
		g.serverError(c, "failed to decrypt content", err)
		return
	}

	c.Header(types.LicenseIDHeader, license.ID)
	if paymentResponse != nil {
		encoded, err := paymentResponse.EncodeToBase64String()
		if err != nil {
			g.serverError(c, "failed to encode payment response", err)
			return
		}
		c.Header(types.PaymentResponseHeader, encoded)
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(image.Filename)))
	c.Data(http.StatusOK, image.MimeType, plain)
}

func (g *Gate) serverError(c *gin.Context, msg string, err error) {
	g.log(c).WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func (g *Gate) log(c *gin.Context) *logrus.Entry {
	return g.Log.WithField("path", c.Request.URL.Path)
}

// sanitizeFilename strips path separators and header-breaking characters
// from a stored filename before it is echoed into Content-Disposition.
func sanitizeFilename(name string) string {
	if name == "" {
		return "download"
	}
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", "\"", "_", "\r", "", "\n", "", "..", "_",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		return "download"
	}
	return cleaned
}
