package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"swaply-chat/internal/config"
	"swaply-chat/internal/db"
	grpcclient "swaply-chat/internal/grpc"
	"swaply-chat/internal/handlers"
	"swaply-chat/internal/kafka"
	"swaply-chat/internal/middleware"
	"swaply-chat/internal/notify"
	"swaply-chat/internal/observability"
	"swaply-chat/internal/rabbitmq"
	"swaply-chat/internal/ratelimit"
	"swaply-chat/internal/repositories"
	"swaply-chat/internal/repositories/memory"
	"swaply-chat/internal/service"
	"swaply-chat/internal/storage/s3"
	"swaply-chat/internal/telemetry"
	"swaply-chat/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	checks := map[string]handlers.Pinger{}
	var (
		convRepo repositories.ConversationRepository
		msgRepo  repositories.MessageRepository
	)
	switch cfg.StoreDriver {
	case "memory":
		store := memory.NewStore()
		convRepo, msgRepo = store, store
		checks["store"] = store
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		database, err := db.Connect(cfg.DBDSN, logger)
		if err != nil {
			logger.Error("failed to connect to db", "error", err)
			os.Exit(1)
		}
		defer database.Close()
		convRepo = repositories.NewConversationRepo(database)
		msgRepo = repositories.NewMessageRepo(database)
		checks["postgres"] = dbPinger{database}
	}

	authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
	if err != nil {
		logger.Error("failed to connect to auth grpc", "error", err)
		os.Exit(1)
	}
	defer authConn.Close()

	userConn, err := grpcclient.Dial(cfg.UserGRPCAddr)
	if err != nil {
		logger.Error("failed to connect to user grpc", "error", err)
		os.Exit(1)
	}
	defer userConn.Close()

	authClient := grpcclient.NewAuthClient(authConn, cfg.GRPCTimeout)
	userClient := grpcclient.NewUserClient(userConn, cfg.GRPCTimeout)

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	if reason := rabbitmq.PublisherNoopReason(publisher); reason != "" {
		logger.Warn("events and notifications are dropped", "reason", reason)
	}
	audit := telemetry.NewAuditEmitter(publisher, logger, "audit.chat", cfg.ServiceName, cfg.Env)

	var uploader s3.Uploader = s3.NoopUploader{}
	if cfg.S3Endpoint != "" {
		client, err := s3.NewClient(s3.Config{
			Endpoint:       cfg.S3Endpoint,
			PublicEndpoint: cfg.S3PublicEndpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Bucket:         cfg.S3Bucket,
			UseSSL:         cfg.S3UseSSL,
		}, logger)
		if err != nil {
			logger.Warn("attachment uploads disabled", "error", err)
		} else {
			uploader = client
			checks["s3"] = client
		}
	}

	limiter := ratelimit.NewPerUser(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	hub := ws.NewHub(logger)

	svc := service.New(convRepo, msgRepo, userClient, hub, notify.BrokerNotifier{}, limiter, service.Options{
		ReadOnFetch:          cfg.ReadOnFetch,
		ProposalDefaultHours: cfg.ProposalDefaultHours,
		ProposalMaxHours:     cfg.ProposalMaxHours,
		Logger:               logger,
		Audit:                audit,
	})
	sweeper := service.NewProposalSweeper(svc, cfg.ProposalSweepInterval, logger)

	conversationHandler := handlers.NewConversationHandler(svc, logger, cfg.IsDev())
	messageHandler := handlers.NewMessageHandler(svc, uploader, logger, cfg.IsDev())
	healthHandler := handlers.NewHealthHandler(checks)
	wsHandler := ws.NewHandler(hub, svc, authClient, ws.Options{
		PingInterval: cfg.WSPingInterval,
		SendBuffer:   cfg.WSSendBuffer,
	}, logger)

	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	obsMiddleware := observability.Middleware{Logger: logger}
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(obsMiddleware.RequestID())
	router.Use(obsMiddleware.LoggerMiddleware())
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "Content-Type", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/livez", healthHandler.Livez)
	router.GET("/readyz", healthHandler.Readyz)
	router.GET("/metrics", observability.MetricsHandler())
	router.GET("/ws", wsHandler.Handle)
	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	authMiddleware := middleware.AuthMiddleware(authClient)
	api := router.Group("/", authMiddleware)

	api.GET("/conversations", conversationHandler.ListConversations)
	api.POST("/conversations", conversationHandler.StartConversation)
	api.GET("/conversations/:id", conversationHandler.GetConversation)
	api.DELETE("/conversations/:id", conversationHandler.HideConversation)
	api.POST("/conversations/:id/read", conversationHandler.MarkRead)
	api.PUT("/conversations/:id/archive", conversationHandler.SetStatus(service.ActionArchive))
	api.PUT("/conversations/:id/unarchive", conversationHandler.SetStatus(service.ActionUnarchive))
	api.PUT("/conversations/:id/block", conversationHandler.SetStatus(service.ActionBlock))
	api.PUT("/conversations/:id/unblock", conversationHandler.SetStatus(service.ActionUnblock))

	api.GET("/conversations/:id/messages", messageHandler.ListMessages)
	api.POST("/conversations/:id/messages", messageHandler.SendMessage)
	api.POST("/conversations/:id/exchange-proposal", messageHandler.ProposeExchange)
	api.PUT("/messages/:id", messageHandler.EditMessage)
	api.DELETE("/messages/:id", messageHandler.DeleteMessage)
	api.POST("/messages/:id/exchange-response", messageHandler.RespondExchange)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server starting", "addr", server.Addr, "store", cfg.StoreDriver, "events", rabbitmq.PublisherMode(publisher))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		limiter.Run(gctx.Done(), time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		return shutdownTracer(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}

func newPublisher(cfg config.Config, logger *slog.Logger) observability.Publisher {
	if cfg.EventsBroker == "kafka" {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err == nil {
			logger.Info("kafka connected", "topic", cfg.KafkaTopic)
			return producer
		}
		logger.Warn("kafka unavailable, falling back to rabbitmq", "error", err)
	}
	return rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
}

type dbPinger struct {
	db *sqlx.DB
}

func (p dbPinger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
