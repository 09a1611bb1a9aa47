// FitStack Billing Service
//
// This is the main entry point for the invoicing and payment service.
// It wires up all dependencies and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitstack/fitstack-billing/config"
	"github.com/fitstack/fitstack-billing/internal/adapters/billpay"
	"github.com/fitstack/fitstack-billing/internal/adapters/bnpl"
	"github.com/fitstack/fitstack-billing/internal/adapters/fitstackcore"
	"github.com/fitstack/fitstack-billing/internal/adapters/mercadopago"
	"github.com/fitstack/fitstack-billing/internal/adapters/redisstore"
	"github.com/fitstack/fitstack-billing/internal/adapters/storage/memory"
	"github.com/fitstack/fitstack-billing/internal/adapters/storage/mysql"
	"github.com/fitstack/fitstack-billing/internal/adapters/wallet"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/fitstack/fitstack-billing/internal/core/service"
	"github.com/fitstack/fitstack-billing/internal/handlers"
	"github.com/fitstack/fitstack-billing/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting FitStack Billing Service...",
		zap.String("port", cfg.Server.Port),
		zap.String("core_url", cfg.Core.BaseURL),
	)

	// Validate required configuration
	if err := validateConfig(cfg, logger); err != nil {
		logger.Fatal("Configuration error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wire up dependencies (manual dependency injection)
	//
	// Infrastructure Layer
	store, reviews, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Storage error", zap.Error(err))
	}
	defer closeStore()

	challenges, closeOTP, err := openOTPStore(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("OTP store error", zap.Error(err))
	}
	defer closeOTP()

	coreClient := fitstackcore.NewClient(cfg.Core.BaseURL, cfg.Core.APIKey, cfg.Core.Timeout)

	gateways, err := buildGateways(cfg, store, challenges, logger)
	if err != nil {
		logger.Fatal("Gateway error", zap.Error(err))
	}

	// Service Layer
	dispatcher := service.NewDispatcher(coreClient, logger)
	settlement := service.NewSettlement(store, reviews, dispatcher, logger)
	paymentService := service.NewPaymentService(
		store,
		coreClient, // implements ports.MemberDirectory
		gateways,
		settlement,
		map[domain.Provider]time.Duration{
			domain.ProviderCard:    cfg.Card.Timeout,
			domain.ProviderWallet:  cfg.Wallet.Timeout,
			domain.ProviderBillPay: cfg.BillPay.Timeout,
			domain.ProviderBNPL:    cfg.BNPL.Timeout,
		},
		logger,
	)
	billingService := service.NewBillingService(store, coreClient, dispatcher, logger)

	// Workers
	if cfg.Reconciler.Enabled {
		reconciler := worker.NewReconciler(store, paymentService, worker.ReconcilerConfig{
			Interval:    cfg.Reconciler.Interval,
			BatchSize:   cfg.Reconciler.BatchSize,
			WorkerCount: cfg.Reconciler.Workers,
			Staleness: map[domain.Provider]time.Duration{
				domain.ProviderCard:    cfg.Reconciler.CardStaleness,
				domain.ProviderWallet:  cfg.Reconciler.WalletStaleness,
				domain.ProviderBNPL:    cfg.Reconciler.BNPLStaleness,
				domain.ProviderBillPay: cfg.Reconciler.BillStaleness,
			},
			MaxAge: map[domain.Provider]time.Duration{
				domain.ProviderCard:    cfg.Reconciler.CardMaxAge,
				domain.ProviderWallet:  cfg.Reconciler.WalletMaxAge,
				domain.ProviderBNPL:    cfg.Reconciler.BNPLMaxAge,
				domain.ProviderBillPay: cfg.Reconciler.BillMaxAge,
			},
		}, logger)
		go reconciler.Start(ctx)

		sweeper := worker.NewOverdueSweeper(billingService, cfg.Reconciler.OverdueInterval, cfg.Reconciler.BatchSize, logger)
		go sweeper.Start(ctx)
	}

	// API Layer
	invoiceHandler := handlers.NewInvoiceHandler(billingService, cfg.Billing.DueInDays, cfg.Billing.Locales, logger)
	paymentHandler := handlers.NewPaymentHandler(paymentService, cfg.Billing.Locales, logger)
	router := handlers.SetupRouter(invoiceHandler, paymentHandler, handlers.RouterConfig{
		GinMode:        cfg.Server.GinMode,
		ServiceAPIKey:  cfg.Security.ServiceAPIKey,
		JWTSecret:      cfg.Security.JWTSecret,
		TrustedProxies: cfg.Server.TrustedProxies,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	dispatcher.Wait()
	logger.Info("Server stopped")
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// openStore selects MySQL when a DSN is configured, else the in-memory store.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (ports.Store, ports.ReviewQueue, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("MYSQL_DSN not set, using in-memory storage")
		return memory.NewStore(), memory.NewReviewQueue(), func() {}, nil
	}

	db, err := mysql.Open(cfg.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("mysql ping: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("mysql schema: %w", err)
		}
	}
	logger.Info("Connected to MySQL")
	return db, mysql.NewReviewQueue(db), func() { _ = db.Close() }, nil
}

// openOTPStore selects Redis when an address is configured.
func openOTPStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (ports.OTPChallengeStore, func(), error) {
	if cfg.Addr == "" {
		logger.Warn("REDIS_ADDR not set, OTP challenges are kept in memory")
		return memory.NewOTPStore(time.Now), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr))
	return redisstore.NewOTPStore(client, cfg.Prefix), func() { _ = client.Close() }, nil
}

// buildGateways wires the rails that have credentials configured.
func buildGateways(cfg *config.Config, store ports.Store, challenges ports.OTPChallengeStore, logger *zap.Logger) (service.Gateways, error) {
	var gw service.Gateways

	if cfg.Card.AccessToken != "" {
		card, err := mercadopago.NewAdapter(mercadopago.Config{
			AccessToken:   cfg.Card.AccessToken,
			WebhookSecret: cfg.Card.WebhookSecret,
			PublicBaseURL: cfg.Server.PublicBaseURL,
		}, store, logger)
		if err != nil {
			return gw, fmt.Errorf("mercadopago: %w", err)
		}
		gw.Card = card
	}
	if cfg.Wallet.BaseURL != "" {
		gw.Wallet = wallet.NewAdapter(wallet.Config{
			BaseURL:       cfg.Wallet.BaseURL,
			MerchantID:    cfg.Wallet.MerchantID,
			APIKey:        cfg.Wallet.APIKey,
			WebhookSecret: cfg.Wallet.WebhookSecret,
			Timeout:       cfg.Wallet.Timeout,
			OTPTTL:        cfg.Wallet.OTPTTL,
		}, store, challenges, logger)
	}
	if cfg.BillPay.BaseURL != "" {
		gw.BillPay = billpay.NewAdapter(billpay.Config{
			BaseURL:        cfg.BillPay.BaseURL,
			BillerCode:     cfg.BillPay.BillerCode,
			APIKey:         cfg.BillPay.APIKey,
			Timeout:        cfg.BillPay.Timeout,
			BillValidity:   cfg.BillPay.BillValidity,
			AllowedSources: cfg.BillPay.AllowedSources,
		}, store, logger)
	}
	if cfg.BNPL.BaseURL != "" {
		gw.BNPL = bnpl.NewAdapter(bnpl.Config{
			BaseURL:       cfg.BNPL.BaseURL,
			APIKey:        cfg.BNPL.APIKey,
			WebhookSecret: cfg.BNPL.WebhookSecret,
			PublicBaseURL: cfg.Server.PublicBaseURL,
			Timeout:       cfg.BNPL.Timeout,
		}, store, logger)
	}
	return gw, nil
}

// validateConfig checks that required configuration values are set.
func validateConfig(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Core.BaseURL == "" {
		return fmt.Errorf("FITSTACK_CORE_URL is required")
	}
	if cfg.Security.ServiceAPIKey == "" {
		return fmt.Errorf("SERVICE_API_KEY is required")
	}
	if cfg.Security.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Core.APIKey == "" {
		logger.Warn("FITSTACK_CORE_API_KEY not set")
	}
	if cfg.Card.AccessToken != "" && cfg.Card.WebhookSecret == "" {
		logger.Warn("MP_WEBHOOK_SECRET not set, card callbacks will be rejected")
	}
	if cfg.BillPay.BaseURL != "" && len(cfg.BillPay.AllowedSources) == 0 {
		logger.Warn("BILLPAY_ALLOWED_SOURCES not set, bill callbacks will be rejected")
	}
	return nil
}
