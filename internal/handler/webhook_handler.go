package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/service"
)

type WebhookHandler struct {
	ingestor *service.WebhookIngestor
	logger   *zap.Logger
}

func NewWebhookHandler(ingestor *service.WebhookIngestor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, logger: logger}
}

// Receive handles POST /api/v1/webhooks/:gateway. Gateways expect a 2xx to
// stop redelivering; handler failures return 500 so the provider retries in
// addition to our own sweep.
func (h *WebhookHandler) Receive(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[name] = c.GetHeader(name)
	}

	outcome, err := h.ingestor.ProcessWebhook(
		c.Request.Context(), c.Param("gateway"), headers, rawBody, c.ClientIP())
	if err != nil {
		switch {
		case errs.IsRateLimit(err):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errs.IsSecurity(err):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case errs.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, outcome)
}
