package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/domain/document"
	"github.com/recordflow/recordflow/internal/domain/intake"
	"github.com/recordflow/recordflow/internal/domain/medication"
	"github.com/recordflow/recordflow/internal/domain/operation"
	"github.com/recordflow/recordflow/internal/platform/auth"
	"github.com/recordflow/recordflow/internal/platform/db"
	"github.com/recordflow/recordflow/internal/platform/flags"
	"github.com/recordflow/recordflow/internal/platform/inference"
	"github.com/recordflow/recordflow/internal/platform/messaging"
	"github.com/recordflow/recordflow/internal/platform/middleware"
	"github.com/recordflow/recordflow/internal/platform/taskqueue"
	"github.com/recordflow/recordflow/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recordflow-server",
		Short: "Medical-record pipeline orchestration server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.New()

	// Repositories. The document repo doubles as its own persister; the
	// others expose one persister per aggregate kind.
	docRepo := document.NewPGRepository(pool)
	opRepo := operation.NewPGRepository(pool)
	medRepo := medication.NewPGRepository(pool)

	persisters := []dispatch.Persister{docRepo}
	persisters = append(persisters, opRepo.Persisters()...)
	persisters = append(persisters, medRepo.Persisters()...)

	ledger := dispatch.NewPgLedger(pool)
	factory := func() dispatch.UnitOfWork {
		return dispatch.NewPgUnitOfWork(pool, ledger, persisters...)
	}
	dispatcher := dispatch.NewDispatcher(logger, ledger, factory, metrics)

	// Outbound ports.
	infer := inference.NewHTTPClient(cfg.InferenceURL, cfg.InferenceAPIKey)
	queue := taskqueue.NewHTTPQueue(cfg.TaskQueueBaseURL)
	publisher := messaging.NewHTTPPublisher(cfg.MessagingURL, cfg.MessagingSecret, func() string {
		return uuid.NewString()
	})
	flagProvider := flags.NewProvider(flags.NewRepoPG(pool), cfg.FlagTTL())

	// Services and dispatcher registrations.
	docSvc := document.NewService(logger, docRepo)
	docSvc.RegisterHandlers(dispatcher)

	notifier := document.NewNotifier(logger, docRepo, publisher)
	notifier.RegisterHandlers(dispatcher)

	retry := operation.NewRetryPolicy(cfg.RetryMaxAttempts, cfg.RetryWindowStart, cfg.RetryWindowEnd)
	opSvc := operation.NewService(logger, opRepo, metrics, infer, queue, retry, operation.QueueConfig{
		Location:       cfg.TaskQueueRegion,
		ServiceAccount: cfg.TaskQueueSA,
		TargetURL:      cfg.OrchestrationURL,
	})
	opSvc.RegisterHandlers(dispatcher)

	medSvc := medication.NewService(logger, medRepo, flagProvider, metrics)
	medSvc.RegisterHandlers(dispatcher)

	// Wire decoders for the generic command intake.
	codec := dispatch.NewCodec()
	document.RegisterDecoders(codec)
	operation.RegisterDecoders(codec)
	medication.RegisterDecoders(codec)

	// Echo server.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	// Authenticated API surface. Rate limiting sits behind auth so buckets
	// key on the caller's tenant, not just the address.
	api := e.Group("/api/v1")
	if cfg.IsDev() && cfg.JWTSecret == "" {
		api.Use(auth.DevAuth(cfg.DefaultTenant))
	} else {
		api.Use(auth.JWT([]byte(cfg.JWTSecret)))
	}
	api.Use(middleware.RateLimit(middleware.RateLimitFor(cfg.RateLimitRPS)))

	opHandler := operation.NewHandler(opSvc, opRepo, dispatcher)

	document.NewHandler(docSvc, docRepo, factory).Register(api)
	opHandler.Register(api)
	medication.NewHandler(medRepo).Register(api)

	// Raw command submission is reserved for operators and trusted services.
	commands := api.Group("", auth.RequireRole("admin", "service"))
	intake.NewHandler(logger, codec, dispatcher).Register(commands)

	// Task-queue push callbacks authenticate with a shared key, not JWT.
	push := e.Group("/internal")
	push.Use(auth.APIKey(cfg.PushAPIKey))
	opHandler.RegisterCallbacks(push)

	// Start and wait for shutdown.
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
