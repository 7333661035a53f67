package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dublarpro/jobwatch/internal/archive"
	"github.com/dublarpro/jobwatch/internal/bus"
	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/handler"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/middleware"
	"github.com/dublarpro/jobwatch/internal/reconcile"
	"github.com/dublarpro/jobwatch/internal/service"
	ws "github.com/dublarpro/jobwatch/internal/websocket"
	"github.com/dublarpro/jobwatch/internal/worker"
	"github.com/dublarpro/jobwatch/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Backend clients and the reconciliation engine
	api := client.NewBackendClient(cfg.Backend, appLog)
	push := client.NewPushClient(cfg.Backend.PushURL(), cfg.Backend.Token, cfg.Sync.PingInterval, appLog)
	opts := reconcile.OptionsFromConfig(cfg, appLog)
	manager := reconcile.NewManager(api, reconcile.FromPushClient(push), opts)

	// Relay bus and WebSocket hub
	relayBus, err := bus.New(cfg, appLog)
	if err != nil {
		appLog.Fatal("failed to create bus", "driver", cfg.Bus.Driver, "error", err)
	}
	hub := ws.NewHub(manager, relayBus, appLog)

	// Archive settled jobs (optional - continues if not configured)
	var archiver *archive.Archiver
	if cfg.Archive.Enabled() {
		store, err := archive.NewS3Store(ctx, cfg.Archive)
		if err != nil {
			appLog.Warn("archive not initialized", "bucket", cfg.Archive.Bucket, "error", err)
		} else {
			archiver = archive.New(store, cfg.Archive, appLog)
			hub.OnSettled(archiver.Enqueue)
			go archiver.Run(ctx)
		}
	}
	go hub.Run(ctx)

	// Action records live in Redis whenever another process may need them
	var redisClient *redis.Client
	records := service.NewMemoryActionStore()
	if cfg.Actions.Async || cfg.Bus.Driver == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			appLog.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
		}
		records = service.NewRedisActionStore(redisClient)
	}

	var enqueuer service.Enqueuer
	var asynqClient *asynq.Client
	if cfg.Actions.Async {
		asynqClient = asynq.NewClient(redisOpt(cfg))
		enqueuer = asynqClient
	}
	actions := service.NewActionService(api, records, relayBus, enqueuer, cfg.Actions, appLog)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	if cfg.JWT.JWKSURL != "" {
		verifier, err := middleware.NewJWKSVerifier(ctx, cfg.JWT.JWKSURL, cfg.JWT.Issuer, cfg.JWT.Audience)
		if err != nil {
			appLog.Fatal("failed to load JWKS", "url", cfg.JWT.JWKSURL, "error", err)
		}
		authMiddleware.WithVerifier(verifier)
	}

	var actionLimit fiber.Handler
	if cfg.Actions.RatePerMin > 0 {
		actionLimit = middleware.NewRateLimiter(redisClient).ActionLimit(cfg.Actions.RatePerMin)
	}

	validate := validator.New()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Routes{
		Health:  handler.NewHealthHandler(api, manager),
		Watch:   handler.NewWatchHandler(manager, api, opts, validate),
		Jobs:    handler.NewJobsHandler(api, actions, validate),
		Archive: handler.NewArchiveHandler(archiver, validate),
		Hub:     hub,
		Auth:    authMiddleware.Authenticate(),

		ActionLimit: actionLimit,
	}.Mount(app)

	// Start Asynq worker server
	var workerSrv *asynq.Server
	if cfg.Actions.Async {
		workerSrv = startWorkerServer(cfg, actions, appLog)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		appLog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLog.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLog.Info("server starting", "addr", addr, "env", cfg.Server.Env, "bus", cfg.Bus.Driver, "asyncActions", cfg.Actions.Async, "archive", archiver != nil)
	if err := app.Listen(addr); err != nil {
		appLog.Error("server error", "error", err)
	}

	if workerSrv != nil {
		workerSrv.Shutdown()
	}
	stop()
	manager.Close()
	if err := relayBus.Close(); err != nil {
		appLog.Warn("bus close error", "error", err)
	}
	if asynqClient != nil {
		_ = asynqClient.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func startWorkerServer(cfg *config.Config, actions *service.ActionService, log *logger.Logger) *asynq.Server {
	srv := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				service.QueueActions: 1,
			},
			Logger: log.SugaredLogger,
		},
	)

	mux := asynq.NewServeMux()
	worker.NewActionWorker(actions, log).Register(mux)

	if err := srv.Start(mux); err != nil {
		log.Error("asynq worker error", "error", err)
		return nil
	}
	return srv
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusBadRequest:
		errCode = response.CodeValidationError
	case fiber.StatusUnauthorized:
		errCode = response.CodeUnauthorized
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	}
	return response.Error(c, code, errCode, message, nil)
}
