package gate

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelvault/pixelvault/pkg/ledger"
	"github.com/pixelvault/pixelvault/pkg/payments"
	"github.com/pixelvault/pixelvault/pkg/storage"
	"github.com/pixelvault/pixelvault/pkg/vault"
)

// PublishRequest is the body of POST /resources. Content and Preview are
// base64 in the JSON encoding.
type PublishRequest struct {
	Title        string `json:"title" binding:"required"`
	OwnerAddress string `json:"ownerAddress"`
	Price        string `json:"price" binding:"required"`
	MimeType     string `json:"mimeType" binding:"required"`
	Filename     string `json:"filename"`
	Content      []byte `json:"content" binding:"required"`
	Preview      []byte `json:"preview"`
}

// Routes mounts the gate's endpoints on a gin router.
func (g *Gate) Routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/resources", g.List)
	r.POST("/resources", g.Publish)
	r.GET("/resources/:id", g.Download)
	r.GET("/resources/:id/preview", g.Preview)
}

// List returns public metadata for all published images.
func (g *Gate) List(c *gin.Context) {
	images, err := g.Store.ListImages(c.Request.Context())
	if err != nil {
		g.serverError(c, "failed to list resources", err)
		return
	}

	out := make([]gin.H, 0, len(images))
	for _, image := range images {
		entry := gin.H{
			"id":       image.ID,
			"title":    image.Title,
			"price":    image.Price,
			"mimeType": image.MimeType,
		}
		if image.PreviewLocator != "" {
			entry["previewUrl"] = fmt.Sprintf("%s/resources/%s/preview", g.BaseURL, image.ID)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"resources": out})
}

// Publish encrypts an upload under a fresh content key, stores the
// ciphertext (and the preview as-is), wraps the key under the master key, and
// records the image. The plaintext content is never persisted.
func (g *Gate) Publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid publish request: %v", err)})
		return
	}
	if _, err := payments.PriceToMinorUnits(req.Price); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contentKey, err := vault.GenerateContentKey()
	if err != nil {
		g.serverError(c, "failed to generate content key", err)
		return
	}
	ciphertext, err := vault.EncryptContent(req.Content, contentKey)
	if err != nil {
		g.serverError(c, "failed to encrypt content", err)
		return
	}
	contentLocator, err := g.Content.Put(c.Request.Context(), ciphertext)
	if err != nil {
		g.serverError(c, "failed to store content", err)
		return
	}

	var previewLocator string
	if len(req.Preview) > 0 {
		previewLocator, err = g.Content.Put(c.Request.Context(), req.Preview)
		if err != nil {
			g.serverError(c, "failed to store preview", err)
			return
		}
	}

	wrappedKey, err := vault.WrapKey(contentKey, g.MasterKey)
	if err != nil {
		g.serverError(c, "failed to wrap content key", err)
		return
	}

	image := &ledger.Image{
		ID:             uuid.NewString(),
		Title:          req.Title,
		OwnerAddress:   req.OwnerAddress,
		Price:          req.Price,
		MimeType:       req.MimeType,
		Filename:       req.Filename,
		ContentLocator: contentLocator,
		PreviewLocator: previewLocator,
		WrappedKey:     wrappedKey,
		CreatedAt:      time.Now(),
	}
	if err := g.Store.CreateImage(c.Request.Context(), image); err != nil {
		g.serverError(c, "failed to record image", err)
		return
	}

	g.log(c).WithField("image", image.ID).Info("resource published")
	c.JSON(http.StatusCreated, gin.H{
		"id":    image.ID,
		"title": image.Title,
		"price": image.Price,
	})
}

// Preview serves the freely viewable preview blob. No payment logic runs.
func (g *Gate) Preview(c *gin.Context) {
	image, err := g.Store.FindImage(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrImageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if err != nil {
		g.serverError(c, "image lookup failed", err)
		return
	}
	if image.PreviewLocator == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no preview available"})
		return
	}

	preview, err := g.Content.Get(c.Request.Context(), image.PreviewLocator)
	if errors.Is(err, storage.ErrBlobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no preview available"})
		return
	}
	if err != nil {
		g.serverError(c, "failed to load preview", err)
		return
	}
	c.Data(http.StatusOK, image.MimeType, preview)
}

// RequestLogger is a gin middleware that logs one line per request.
func RequestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	}
}
