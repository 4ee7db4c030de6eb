package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-core/internal/auth"
	"chat-core/internal/config"
	"chat-core/internal/db"
	"chat-core/internal/delivery"
	"chat-core/internal/events"
	grpcserver "chat-core/internal/grpc"
	"chat-core/internal/handlers"
	"chat-core/internal/middleware"
	"chat-core/internal/observability"
	"chat-core/internal/presence"
	"chat-core/internal/rabbitmq"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

const shutdownTimeout = 15 * time.Second

// openStore connects the configured message store. The returned func
// releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.MessageRepository, func() error, error) {
	switch cfg.Store.Driver {
	case db.DriverPostgres, db.DriverSQLite:
		database, err := db.Connect(cfg.Store.Driver, cfg.Store.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return repositories.NewMessageRepo(database), database.Close, nil
	case "mongo":
		client, err := db.ConnectMongo(ctx, cfg.Store.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		repo, err := repositories.NewMongoMessageRepo(ctx, client.Database(cfg.Store.MongoDB))
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return repo, func() error { return client.Disconnect(context.Background()) }, nil
	case "memory":
		logger.Warn("using in-memory message store: messages are lost on restart")
		return repositories.NewMemoryMessageRepo(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
}

func newPresenceRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*presence.Registry, func() error) {
	opts := []presence.Option{presence.WithNodeID(cfg.App.NodeID)}
	closeFn := func() error { return nil }
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, presence mirror will retry", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		opts = append(opts, presence.WithMirror(presence.NewRedisMirror(client, cfg.Redis.Prefix)))
		closeFn = client.Close
		logger.Info("presence mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}
	return presence.NewRegistry(logger, opts...), closeFn
}

func newEventPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("message events disabled: no kafka brokers")
		return events.Noop{}
	}
	logger.Info("message events enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	return events.NewQueue(events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger), 1024, 5*time.Second, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTel.Endpoint, cfg.App.Name, logger)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRoutingKey, cfg.App.Name, cfg.App.Env, logger)
	logger.Info("event publisher ready", zap.String("mode", rabbitmq.PublisherMode(publisher)), zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))

	registry, closeMirror := newPresenceRegistry(ctx, cfg, logger)
	messageEvents := newEventPublisher(cfg, logger)
	coordinator := delivery.NewCoordinator(store, registry, logger,
		delivery.WithEvents(messageEvents),
		delivery.WithPushTimeout(cfg.Delivery.PushTimeout),
	)
	authenticator := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	hub := ws.NewHub()
	chatWS := ws.NewChatWebSocketHandler(hub, registry, coordinator, authenticator, ws.Config{
		PingInterval:    cfg.WS.PingInterval,
		IdleTimeout:     cfg.WS.IdleTimeout,
		WriteTimeout:    cfg.WS.WriteTimeout,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		RateLimit:       cfg.WS.RateLimit,
		RateBurst:       cfg.WS.RateBurst,
	}, logger)
	messageHandler := handlers.NewMessageHandler(coordinator, audit)
	presenceHandler := handlers.NewPresenceHandler(registry, audit, logger)

	if cfg.App.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.App.Name), observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(authenticator)

	router.GET("/healthz", handlers.Health(store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, cfg.App.Debug)

	router.GET("/messages/:user_id", authMiddleware, messageHandler.GetMessages)
	router.POST("/messages", authMiddleware, messageHandler.PostMessage)
	router.POST("/messages/read", authMiddleware, messageHandler.MarkConversationRead)
	router.POST("/messages/:message_id/read", authMiddleware, messageHandler.MarkRead)

	router.GET("/presence", authMiddleware, middleware.RequireAdmin(), presenceHandler.ListOnline)
	router.GET("/presence/:user_id", authMiddleware, presenceHandler.GetPresence)

	router.GET("/ws/chat/:user_id", chatWS.Handle)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", cfg.App.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	healthServer := grpcserver.NewServer(store, logger)
	go healthServer.Watch(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		if err := healthServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.HTTPAddr), zap.String("node_id", cfg.App.NodeID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket handlers outlive httpServer.Shutdown; the hub drains
	// them before the store and publishers go away.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx, ws.CloseShutdown); err != nil {
		logger.Warn("websocket drain", zap.Int("remaining", hub.Len()), zap.Error(err))
	}
	healthServer.Stop()
	if err := messageEvents.Close(); err != nil {
		logger.Warn("close message events", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("close amqp publisher", zap.Error(err))
	}
	if err := closeMirror(); err != nil {
		logger.Warn("close redis", zap.Error(err))
	}
	if err := closeStore(); err != nil {
		logger.Warn("close message store", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}
	return runErr
}
