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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/pixelforge/backend/internal/account"
	"github.com/pixelforge/backend/internal/auth"
	"github.com/pixelforge/backend/internal/billing"
	"github.com/pixelforge/backend/internal/catalog"
	"github.com/pixelforge/backend/internal/config"
	"github.com/pixelforge/backend/internal/execution"
	"github.com/pixelforge/backend/internal/invoker"
	"github.com/pixelforge/backend/internal/invoker/fal"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/migration"
	"github.com/pixelforge/backend/internal/ratelimit"
	"github.com/pixelforge/backend/internal/reconciler"
	"github.com/pixelforge/backend/internal/repository"
	"github.com/pixelforge/backend/internal/router"
	"github.com/pixelforge/backend/internal/storage"
	"github.com/pixelforge/backend/internal/tools"
	"github.com/pixelforge/backend/internal/uploads"
	"github.com/pixelforge/backend/internal/validation"
	"github.com/pixelforge/backend/internal/workflows"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := migration.Run(pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// Repositories and ledger
	users := repository.NewUserRepo(pool)
	transactions := repository.NewTransactionRepo(pool)
	actions := repository.NewActionRepo(pool)
	executions := repository.NewExecutionRepo(pool)
	ledgerSvc := ledger.NewService(pool, users, transactions, logger)

	blobs, err := storage.NewFilesystemStore(cfg.StorageDir, cfg.StoragePublicURL)
	if err != nil {
		slog.Error("Failed to open blob storage", "dir", cfg.StorageDir, "error", err)
		os.Exit(1)
	}

	// Providers
	registry := invoker.NewRegistry()
	if cfg.FalKey == "" {
		slog.Warn("FAL_KEY not set, tool calls will be rejected by the provider")
	}
	fal.Register(registry, fal.NewClient(cfg.FalBaseURL, cfg.FalKey, nil), cfg.ToolTimeout, cfg.VideoToolTimeout)
	slog.Info("Provider models registered", "models", registry.Models())

	// Workflows: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn workflows.InsertDispatchTxFunc
	var settleFn execution.EnqueueSettleFunc
	insertDispatch := func(ctx context.Context, tx pgx.Tx, args execution.DispatchWorkflowArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	enqueueSettle := func(ctx context.Context, args execution.SettleDispatchArgs) error {
		insertMu.Lock()
		fn := settleFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, args)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewDispatchWorkflowWorker(invoker.NewWebhookClient(cfg.WorkflowPostTimeout), executions, ledgerSvc, enqueueSettle, logger))
	river.AddWorker(workers, execution.NewSettleDispatchWorker(executions, ledgerSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.DispatchWorkflowArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	settleFn = func(ctx context.Context, args execution.SettleDispatchArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Rate limiting is optional; without Redis every request is allowed.
	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, rate limiter will fail open", "error", err)
		}
		limiter = ratelimit.NewTokenBucket(rdb)
	}

	// Services and handlers
	validator := validation.New()
	authSvc := auth.NewService(pool, users, ledgerSvc, cfg.JWTSecret, cfg.SignupBonusCredits)
	toolSvc := tools.NewService(pool, actions, ledgerSvc, registry, executions, validator, blobs, logger)
	workflowSvc := workflows.NewService(pool, actions, ledgerSvc, executions, validator, insertDispatch, cfg.CallbackURL(), logger)

	apiV1Router := router.New(router.Handlers{
		Auth:       auth.NewHandler(authSvc, logger),
		Catalog:    catalog.NewHandler(actions, toolSvc, workflowSvc, logger),
		Tools:      tools.NewHandler(toolSvc, logger),
		Workflows:  workflows.NewHandler(workflowSvc, logger),
		Account:    account.NewHandler(users, transactions, executions, logger),
		Uploads:    uploads.NewHandler(blobs, cfg.MaxUploadBytes, logger),
		Reconciler: reconciler.NewHandler(executions, blobs, cfg.WorkflowCallbackSecret, logger),
		Billing:    billing.NewHandler(ledgerSvc, users, cfg.StripeWebhookSecret, logger),
	}, middleware.RequireUser(authSvc), func(route string) router.Middleware {
		return middleware.RateLimit(limiter, route, cfg.RateLimitPerMinute, logger)
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiV1Router)
	RegisterSupportRoutes(mux, pool, blobs.BaseDir())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
