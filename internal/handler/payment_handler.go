package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pushpay/internal/middleware"
	"pushpay/internal/service"
	"pushpay/pkg/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PaymentAPI is the part of service.PaymentService the caller API needs.
type PaymentAPI interface {
	Initiate(ctx context.Context, intent payment.PaymentIntent, callerID string) (payment.PendingPayment, error)
	Get(ctx context.Context, v service.Viewer, internalID string) (payment.PendingPayment, error)
	Await(ctx context.Context, v service.Viewer, internalID string) (payment.PendingPayment, error)
	GetStatus(ctx context.Context, v service.Viewer, provider payment.Provider, ref string) (payment.PendingPayment, error)
}

type PaymentHandler struct {
	payments PaymentAPI
	awaitMax time.Duration
	logger   *zap.Logger
}

func NewPaymentHandler(payments PaymentAPI, awaitMax time.Duration, logger *zap.Logger) *PaymentHandler {
	if awaitMax <= 0 {
		awaitMax = 30 * time.Second
	}
	return &PaymentHandler{payments: payments, awaitMax: awaitMax, logger: logger}
}

type initiateRequest struct {
	Provider         string `json:"provider"`
	Phone            string `json:"phone"`
	Amount           int64  `json:"amount"`
	AccountReference string `json:"account_reference"`
	Description      string `json:"description"`
}

// Initiate starts an STK push. The response only means the provider accepted the push;
// the outcome arrives later through status, await or the websocket stream.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	intent := payment.PaymentIntent{
		Provider:         payment.Provider(req.Provider),
		PhoneRaw:         req.Phone,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		Description:      req.Description,
	}
	pp, err := h.payments.Initiate(c.Request.Context(), intent, middleware.GetCallerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, service.NewStatusView(pp))
}

func (h *PaymentHandler) Get(c *gin.Context) {
	pp, err := h.payments.Get(c.Request.Context(), viewer(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.NewStatusView(pp))
}

// Status reports the latest payment for a reference; 404 carries status NOT_FOUND.
func (h *PaymentHandler) Status(c *gin.Context) {
	pp, err := h.payments.GetStatus(c.Request.Context(), viewer(c), payment.Provider(c.Query("provider")), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	code := http.StatusOK
	if pp.State == payment.StatusNotFound {
		code = http.StatusNotFound
	}
	c.JSON(code, service.NewStatusView(pp))
}

// Await long-polls until the payment is terminal or ?timeout (capped) passes. A timeout
// answers 200 with the current, non-terminal state.
func (h *PaymentHandler) Await(c *gin.Context) {
	timeout := h.awaitMax
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = min(d, h.awaitMax)
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	pp, err := h.payments.Await(ctx, viewer(c), c.Param("id"))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.NewStatusView(pp))
}

// viewer scopes reads to the authenticated caller.
func viewer(c *gin.Context) service.Viewer {
	return service.Viewer{CallerID: middleware.GetCallerID(c), Admin: middleware.IsAdmin(c)}
}

func (h *PaymentHandler) writeError(c *gin.Context, err error) {
	var (
		ve *payment.ValidationError
		re *payment.RejectedError
	)
	switch {
	case errors.Is(err, payment.ErrInvalidPhoneFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phone number"})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, payment.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &re):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": re.Message, "code": re.Code})
	case errors.Is(err, service.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case payment.IsTransient(err), errors.Is(err, context.Canceled):
		h.logger.Warn("payment request failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider unavailable, try again"})
	default:
		h.logger.Error("payment request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
