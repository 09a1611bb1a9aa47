// Package handlers contains the HTTP handlers and routing.
package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig carries the credentials the route groups check.
type RouterConfig struct {
	GinMode       string
	ServiceAPIKey string
	JWTSecret     string

	// TrustedProxies are the only peers whose X-Forwarded-For is honoured.
	TrustedProxies []string
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(invoices *InvoiceHandler, payments *PaymentHandler, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		logger.Error("Invalid trusted proxies, trusting none", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(logger))
	router.Use(RecoveryMiddleware(logger))
	router.Use(CORSMiddleware())

	// Health check (public)
	router.GET("/health", payments.Health)

	v1 := router.Group("/api/v1")

	// Invoice lifecycle, called by FitStack Core
	invoiceRoutes := v1.Group("/invoices")
	invoiceRoutes.Use(ServiceAuthMiddleware(cfg.ServiceAPIKey))
	{
		invoiceRoutes.POST("", invoices.CreateInvoice)
		invoiceRoutes.GET("/:id", invoices.GetInvoice)
		invoiceRoutes.POST("/:id/issue", invoices.IssueInvoice)
		invoiceRoutes.POST("/:id/cancel", invoices.CancelInvoice)
		invoiceRoutes.GET("/:id/payments", invoices.ListPayments)
	}

	// Member-initiated payment flows
	memberRoutes := v1.Group("")
	memberRoutes.Use(MemberAuthMiddleware(cfg.JWTSecret))
	{
		memberRoutes.POST("/invoices/:id/initiate-payment", payments.InitiatePayment)
		memberRoutes.POST("/payments/wallet/confirm", payments.ConfirmOTP)
		memberRoutes.POST("/payments/billpay/:ref/generate", payments.GenerateBill)
		memberRoutes.POST("/payments/billpay/:ref/cancel", payments.CancelBill)
		memberRoutes.POST("/payments/bnpl/:ref/authorize", payments.AuthorizeOrder)
		memberRoutes.POST("/payments/bnpl/:ref/capture", payments.CaptureOrder)
		memberRoutes.GET("/payments/verify/:ref", payments.Verify)
	}

	// Provider callbacks (public, authenticated per rail)
	router.POST("/payments/callback/:provider", payments.HandleCallback)
	router.GET("/payments/card/return", payments.CardReturn)

	return router
}
