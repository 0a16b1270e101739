package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/markjakearzadon/notipay-terminal.git/internal/config"
	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/events"
	"github.com/markjakearzadon/notipay-terminal.git/internal/handlers"
	"github.com/markjakearzadon/notipay-terminal.git/internal/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open transaction store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if cfg.KafkaBroker != "" {
		kafkaPublisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBroker, cfg.KafkaTopic, logger))
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		logger.Info("publishing transaction events to kafka", "broker", cfg.KafkaBroker, "topic", cfg.KafkaTopic)
	}

	// Initialize services and handlers
	registrar := services.NewRegistrar(store, logger)
	poller := services.NewCommandPoller(store, cfg.PickupDelay, logger)
	ingestor := services.NewResultIngestor(store, publisher, logger)
	statusReporter := services.NewStatusReporter(store)
	sweeper := services.NewExpirySweeper(store, publisher, services.SweeperConfig{
		Deadline:  cfg.TransactionDeadline,
		Retention: cfg.RetentionWindow,
		Interval:  cfg.SweepInterval,
	}, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("expiry sweeper exited", "error", err)
		}
	}()

	if cfg.GatewayEnabled() {
		gateway := services.NewGatewayClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey)
		relay := services.NewGatewayRelay(gateway, poller, ingestor, statusReporter, cfg.GatewayDevices, cfg.GatewayPollInterval, logger)
		registrar.SetDispatcher(relay)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil {
				logger.Error("gateway relay exited", "error", err)
			}
		}()
	}

	router := handlers.NewRouter(
		handlers.NewRequestHandler(registrar, statusReporter),
		handlers.NewTerminalHandler(poller, ingestor),
		handlers.NewHealthHandler(store, cfg.StoreBackend),
		handlers.NewRateLimiter(cfg.PollRateLimit, cfg.PollRateBurst),
	)

	// Start server
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server running", "port", cfg.Port, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	wg.Wait()
}

// openStore builds the configured backend and returns its close function.
func openStore(ctx context.Context, cfg *config.Config) (db.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := db.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		store := db.NewMongoStore(client, cfg.MongoDatabase)

		indexCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.EnsureIndexes(indexCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return store, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				slog.Error("error disconnecting from MongoDB", "error", err)
			}
		}, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		slog.Info("connected to Redis", "addr", cfg.RedisAddr)
		return db.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
	}

	return db.NewMemoryStore(), func() {}, nil
}
