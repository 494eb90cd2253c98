package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/auditevent"
	"github.com/medvault/medvault/internal/domain/document"
	"github.com/medvault/medvault/internal/domain/verification"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/blobstore"
	"github.com/medvault/medvault/internal/platform/cas"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/keyring"
	"github.com/medvault/medvault/internal/platform/ledger"
	"github.com/medvault/medvault/internal/platform/middleware"
	"github.com/medvault/medvault/internal/platform/stream"
	"github.com/medvault/medvault/internal/platform/validate"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vault-server",
		Short: "Document integrity vault API server",
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
		Short: "Start the vault API server",
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
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Encryption keyring. Development falls back to an ephemeral key so the
	// server can start without config; anything stored is unreadable after a
	// restart, which is exactly what throwaway dev data deserves.
	keyMaterial, err := cfg.KeyMaterial()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse encryption keys")
	}
	activeKeyID := cfg.ActiveKeyID
	if len(keyMaterial) == 0 {
		if cfg.IsProduction() {
			logger.Fatal().Msg("no encryption keys configured")
		}
		ephemeral, genErr := keyring.GenerateKey()
		if genErr != nil {
			logger.Fatal().Err(genErr).Msg("failed to generate dev key")
		}
		keyMaterial = map[string][]byte{"dev": ephemeral}
		activeKeyID = "dev"
		logger.Warn().Msg("using ephemeral dev encryption key")
	}
	keys, err := keyring.New(keyMaterial, activeKeyID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build keyring")
	}

	// Blob store for ciphertext payloads.
	blobs := blobstore.NewMemoryStore()

	// Anchoring ledger: remote when configured, in-process otherwise.
	var anchors ledger.Ledger
	if cfg.LedgerURL != "" {
		anchors = ledger.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerTimeout)
		logger.Info().Str("url", cfg.LedgerURL).Msg("using remote anchoring ledger")
	} else {
		anchors = ledger.NewMemoryLedger()
		logger.Warn().Msg("using in-process anchoring ledger")
	}

	// Lifecycle event bus and audit consumer.
	bus := events.NewMemoryBus()
	publisher := events.NewPublisher(bus, logger, events.WithMaxAttempts(cfg.EventMaxRetries))

	auditRepo := auditevent.NewRepoPG(pool)
	auditSvc := auditevent.NewService(auditRepo, logger)
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go auditSvc.Consume(consumerCtx, bus.Subscribe(events.Topic))

	// Live event stream for dashboards.
	hub := stream.NewHub(logger)
	go stream.Bridge(consumerCtx, hub, bus.Subscribe(events.Topic))

	// Domain services
	docRepo := document.NewRepoPG(pool)
	pipeline := document.NewPipeline(docRepo, validate.New(cfg.MaxUploadBytes),
		cas.NewIndex(), keys, blobs, publisher, logger)
	orchestrator := verification.NewOrchestrator(docRepo,
		verification.NewHMACSigner([]byte(cfg.SigningSecret)), anchors, publisher, logger)

	// Orphaned blob sweep. Blobs written by uploads that lost the dedup race
	// or crashed mid-write are collected once they age past the grace period.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-consumerCtx.Done():
				return
			case <-ticker.C:
				removed, sweepErr := pipeline.ReconcileOrphans(consumerCtx, time.Hour)
				if sweepErr != nil {
					logger.Error().Err(sweepErr).Msg("orphan sweep failed")
				} else if removed > 0 {
					logger.Info().Int("removed", removed).Msg("orphan sweep collected blobs")
				}
			}
		}
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.MaxUploadBytes))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Routes
	document.NewHandler(pipeline).RegisterRoutes(apiV1)
	verification.NewHandler(orchestrator).RegisterRoutes(apiV1)
	auditevent.NewHandler(auditSvc).RegisterRoutes(apiV1)
	stream.NewHandler(hub).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	publisher.Flush()
	stopConsumer()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
