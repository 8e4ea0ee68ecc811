package router

import (
	"context"
	"time"

	"pushpay/config"
	"pushpay/internal/auth"
	"pushpay/internal/handler"
	"pushpay/internal/middleware"
	"pushpay/internal/registry"
	"pushpay/internal/service"
	"pushpay/internal/ws"
	"pushpay/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the long-lived components the routes are served from.
type Deps struct {
	Payments  *service.PaymentService
	Callbacks *service.CallbackService
	Registry  *registry.Registry
	Hub       *ws.Hub
}

// Setup builds the engine. Rate limiter cleanup stops when ctx is cancelled.
func Setup(ctx context.Context, cfg *config.Config, d Deps, logger *zap.Logger) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	// nil trusts no proxy: ClientIP is the peer address and X-Forwarded-For is ignored
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Error("trusted proxies rejected, trusting none", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	initiateLimiter := middleware.NewInMemoryRateLimiter(cfg.Payments.InitiateRPM, time.Minute)
	callbackLimiter := middleware.NewInMemoryRateLimiter(cfg.Payments.CallbackRPM, time.Minute)
	go initiateLimiter.Cleanup(ctx)
	go callbackLimiter.Cleanup(ctx)

	paymentHandler := handler.NewPaymentHandler(d.Payments, cfg.Payments.AwaitMax, logger)
	callbackHandler := handler.NewCallbackHandler(d.Callbacks, logger)
	adminHandler := handler.NewAdminHandler(d.Registry, d.Hub)

	authMw := middleware.AuthRequired(&cfg.JWT)

	r.GET("/healthz", handler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		// providers authenticate by allowlist, signature or callback token, never by JWT
		api.POST("/callbacks/:provider", middleware.RateLimit(callbackLimiter), callbackHandler.Handle)

		payments := api.Group("/payments")
		payments.Use(authMw)
		{
			payments.POST("", middleware.RateLimitBy(initiateLimiter, middleware.ByCaller), paymentHandler.Initiate)
			payments.GET("/status/:reference", paymentHandler.Status)
			payments.GET("/:id", paymentHandler.Get)
			payments.GET("/:id/await", paymentHandler.Await)
		}

		admin := api.Group("/admin")
		admin.Use(authMw, middleware.AdminRequired())
		{
			admin.GET("/stats", adminHandler.Stats)
		}
	}

	r.GET("/ws/payments", ws.UpgradePaymentsWS(&cfg.JWT, d.Hub, statusSnapshot(d.Payments), logger))
	return r
}

func statusSnapshot(payments *service.PaymentService) ws.SnapshotFunc {
	return func(ctx context.Context, claims *auth.Claims, reference string) (any, bool) {
		v := service.Viewer{CallerID: claims.CallerID, Admin: claims.Role == auth.RoleAdmin}
		pp, err := payments.GetStatus(ctx, v, "", reference)
		if err != nil || pp.State == payment.StatusNotFound {
			return nil, false
		}
		return gin.H{"type": "payment.status", "payment": service.NewStatusView(pp)}, true
	}
}
