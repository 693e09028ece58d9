package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/webhook"
)

// ReceiveWebhook runs one provider delivery through the ingestion pipeline.
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	provider, ok := h.provider(c)
	if !ok {
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"request_id": c.GetString(RequestIDKey),
		"remote_ip":  c.ClientIP(),
	})
	ctx := webhook.WithLogger(c.Request.Context(), log)

	var resp webhook.Response
	raw, err := webhook.ReadRequest(c.Request, h.opts.MaxBodyBytes, h.opts.PublicBaseURL)
	if err != nil {
		resp = h.pipeline.Reject(ctx, provider, err)
	} else {
		resp = h.pipeline.Handle(ctx, provider, raw)
	}

	c.JSON(resp.StatusCode, resp.Body)
}

// ValidateWebhookURL answers the provider's URL validation request.
func (h *Handlers) ValidateWebhookURL(c *gin.Context) {
	if _, ok := h.provider(c); !ok {
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) provider(c *gin.Context) (webhook.Provider, bool) {
	name := strings.ToLower(c.Param("provider"))
	provider, ok := h.opts.Providers[name]
	if !ok {
		c.JSON(http.StatusNotFound, webhook.ResponseBody{
			Status:  webhook.StatusError,
			Message: fmt.Sprintf("Unknown webhook provider: %s", name),
		})
		return webhook.Provider{}, false
	}
	if provider.Name == "" {
		provider.Name = name
	}
	return provider, true
}
