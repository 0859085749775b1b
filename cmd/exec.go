package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go/v7"
	"go.uber.org/zap"

	"ticketing/config"
	"ticketing/handlers"
	"ticketing/security"
	"ticketing/services"
	"ticketing/store"
	"ticketing/utils"
)

// Start wires every component explicitly and runs the HTTP server, the
// metrics server and the reservation sweeper until SIGINT/SIGTERM.
func Start() error {
	cfg := config.LoadConfig()

	logger, err := utils.NewLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(ctx, db); err != nil {
		return err
	}

	redisClient, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	ticketStore := store.NewTicketStore(db)
	ledger := store.NewIdempotencyStore(db)

	var lock store.InventoryLock
	switch cfg.LockBackend {
	case "redis":
		lock = store.NewRedisLock(redisClient, db, cfg.LockLeaseTTL, cfg.LockWaitTimeout)
	default:
		lock = store.NewRowLock(db, cfg.LockWaitTimeout)
	}

	var gateway services.PaymentGateway
	if cfg.PaymentGatewayURL != "" {
		gateway = services.NewHTTPGateway(cfg.PaymentGatewayURL, cfg.PaymentAPIKey, &http.Client{Timeout: cfg.PaymentTimeout})
	} else {
		logger.Warn("no payment gateway configured, using stub")
		gateway = services.NewStubGateway("pm_test_fail")
	}

	var publisher services.Publisher
	switch cfg.PublisherBackend {
	case "pubnub":
		pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PubNubUserID))
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		publisher = services.NewPubNubPublisher(pubnub.NewPubNub(pnConfig))
	case "kafka":
		kp := services.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
	default:
		publisher = services.NopPublisher{}
	}

	cache := services.NewCacheService(redisClient, logger)
	availability := services.NewAvailabilityService(lock, ticketStore, logger)
	tickets := services.NewTicketService(ticketStore, logger)
	purchase := services.NewPurchaseService(
		ledger, availability, tickets, ticketStore,
		gateway, cache, publisher,
		cfg.Currency, cfg.PaymentTimeout, logger,
	)
	sweeper := services.NewSweepService(
		tickets, ledger,
		cfg.SweepInterval, cfg.ReservationTTL, cfg.IdempotencyRetention,
		logger,
	)
	go sweeper.Run(ctx)

	e := echo.New()
	purchaseHandler := handlers.NewPurchaseHandler(purchase, logger)
	availabilityHandler := handlers.NewAvailabilityHandler(availability, cache, redisClient, cfg.AvailabilityCacheTTL, logger)
	limiter := security.NewRateLimiter(redisClient, cfg.PurchaseRateLimit, cfg.PurchaseRateWindow)

	e.GET("/healthz", availabilityHandler.Health)
	e.GET("/api/events/:eventId/ticket-types/:id/availability", availabilityHandler.Availability)
	e.POST("/api/purchases", purchaseHandler.Purchase, limiter.PurchaseRateLimit())
	e.POST("/api/tickets/:id/refund", purchaseHandler.Refund)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: e,
	}

	var metricsServer *http.Server
	if cfg.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	return server.Shutdown(shutdownCtx)
}
