package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"pushpay/internal/service"
	"pushpay/pkg/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

// CallbackAPI handles provider notifications.
type CallbackAPI interface {
	Handle(ctx context.Context, req service.CallbackRequest) (service.CallbackResult, error)
}

type CallbackHandler struct {
	callbacks CallbackAPI
	logger    *zap.Logger
}

func NewCallbackHandler(callbacks CallbackAPI, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{callbacks: callbacks, logger: logger}
}

// Handle receives POST /callbacks/:provider. Anything that passes authentication gets 200
// with the provider's ack so the provider stops retrying.
func (h *CallbackHandler) Handle(c *gin.Context) {
	provider := payment.Provider(c.Param("provider"))
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("read callback body", zap.String("provider", string(provider)), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	res, err := h.callbacks.Handle(c.Request.Context(), service.CallbackRequest{
		Provider: provider,
		Body:     body,
		Header:   c.Request.Header,
		RemoteIP: c.ClientIP(),
		Token:    c.Query("token"),
	})
	if errors.Is(err, payment.ErrUnknownProvider) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	if err != nil {
		h.logger.Error("handle callback", zap.String("provider", string(provider)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	switch res.Outcome {
	case service.OutcomeForbidden:
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case service.OutcomeUnauthorized:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		c.JSON(http.StatusOK, res.Ack)
	}
}
