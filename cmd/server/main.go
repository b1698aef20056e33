package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-service/config"
	"trade-service/internal/api"
	"trade-service/internal/auth"
	"trade-service/internal/broker"
	"trade-service/internal/items"
	"trade-service/internal/models"
	"trade-service/internal/realtime"
	"trade-service/internal/redisclient"
	"trade-service/internal/retry"
	"trade-service/internal/service"
	"trade-service/internal/store"
	"trade-service/internal/util"
	"trade-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, util.LogFile{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting trade service")

	tp, err := util.InitTracer("trade-service", util.TracerConfig{
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
		Env:            cfg.Server.Env,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, ping, closeRepo, err := openRepository(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open trade store", zap.Error(err))
	}
	defer closeRepo()
	logger.Info("Trade store ready", zap.String("driver", cfg.Database.Driver))

	var coord service.Coordinator
	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		coord = redisClient
		logger.Info("Redis connected")
	} else {
		logger.Info("Redis disabled, coordinating in process")
	}

	itemClient := items.NewClient(cfg.Items.BaseURL, cfg.Items.APIKey,
		items.WithTimeout(cfg.Items.Timeout),
		items.WithRetries(cfg.Items.MaxAttempts, retry.Exponential(200*time.Millisecond, 2*time.Second)),
		items.WithLogger(logger),
	)

	// the hub authorizes room joins through the trade service, which is built below
	var trades *service.TradeService
	hub, err := realtime.NewHub(realtime.Config{
		SendQueueSize: cfg.Realtime.SendQueueSize,
		PoolSize:      cfg.Realtime.PoolSize,
		PingInterval:  cfg.Realtime.PingInterval,
		WriteTimeout:  cfg.Realtime.WriteTimeout,
	}, func(ctx context.Context, tradeID, userID string) (*models.Trade, error) {
		return trades.GetTrade(ctx, tradeID, userID)
	})
	if err != nil {
		logger.Fatal("Failed to create real-time hub", zap.Error(err))
	}
	defer hub.Close()

	var publisher service.EventPublisher = hub
	var realtimeWorker *worker.RealtimeWorker
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTrades)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)

		// every instance reads the whole topic so each can push to its own sockets
		group := fmt.Sprintf("%s-%s", cfg.Kafka.ConsumerGroup, instanceID())
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicTrades, group, true)
		realtimeWorker = worker.NewRealtimeWorker(consumer, hub)
		logger.Info("Kafka relay enabled", zap.String("topic", cfg.Kafka.TopicTrades), zap.String("group", group))
	}

	svcCfg := service.Config{
		OfferTTL:       cfg.Business.OfferTTL,
		VerifyTimeout:  cfg.Business.VerifyTimeout,
		VerifyCacheTTL: cfg.Business.VerifyCacheTTL,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
	}
	trades = service.NewTradeService(repo, itemClient, publisher, coord, svcCfg)
	defer trades.Close()
	offers := service.NewOfferService(repo, itemClient, publisher, coord, trades, svcCfg)

	sweeper := service.NewSweeper(repo, trades, offers, service.SweepConfig{
		SellerResponseTimeout: cfg.Business.SellerResponseTimeout,
		TransferTimeout:       cfg.Business.TransferTimeout,
		BatchSize:             cfg.Business.SweepBatchSize,
	})
	sweepWorker := worker.NewSweepWorker(sweeper, cfg.Business.SweepInterval)

	if cfg.Auth.HMACSecret == "" {
		logger.Warn("JWT_SECRET is empty, every request will be rejected")
	}
	authenticator := auth.NewAuthenticator(auth.Config{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		ClockSkew:  cfg.Auth.ClockSkew,
	})
	limiter := api.NewRateLimiter(api.RateLimit{
		RequestsPerMinute: cfg.Server.RateLimitPerMinute,
		Burst:             cfg.Server.RateLimitBurst,
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(trades, offers, hub, authenticator, limiter)
	handler.AddReadinessCheck("store", ping)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient.Ping)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		return sweepWorker.Start(gctx)
	})

	if realtimeWorker != nil {
		g.Go(func() error {
			defer realtimeWorker.Stop()
			if err := realtimeWorker.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("realtime worker: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Trade service stopped with error", zap.Error(err))
	}

	logger.Info("Server exited")
}

// openRepository picks the trade store backend
func openRepository(cfg config.DatabaseConfig) (service.Repository, api.ReadinessCheck, func(), error) {
	switch cfg.Driver {
	case "memory":
		mem := store.NewMemoryStore()
		return mem, mem.Ping, func() { mem.Close() }, nil
	case "postgres", "":
		db, err := store.NewStore(cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db.Ping, func() { db.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}
