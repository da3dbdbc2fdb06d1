package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ctms/ctms/internal/compliance"
	"github.com/ctms/ctms/internal/config"
	"github.com/ctms/ctms/internal/domain/trial"
	"github.com/ctms/ctms/internal/platform/cache"
	"github.com/ctms/ctms/internal/platform/caldate"
	"github.com/ctms/ctms/internal/platform/db"
	"github.com/ctms/ctms/internal/platform/events"
	"github.com/ctms/ctms/internal/platform/middleware"
	"github.com/ctms/ctms/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ctms-server",
		Short:        "Clinical trial protocol compliance service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(evaluateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the compliance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env, level string, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
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
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			migrator, closeDB, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			count, err := migrator.UpTo(ctx, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to this version (0 = all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeDB, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.Options{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a YAML study fixture offline and print the compliance report",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			months, _ := cmd.Flags().GetInt("months")
			throughFlag, _ := cmd.Flags().GetString("through")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			through, err := caldate.ParsePtr(throughFlag)
			if err != nil {
				return fmt.Errorf("--through: %w", err)
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return evaluateFixture(f, cmd.OutOrStdout(), months, through)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Path to the fixture YAML file")
	cmd.Flags().Int("months", compliance.DefaultTrendMonths, "Number of months in the trend window")
	cmd.Flags().String("through", "", "Last day of the trend window (YYYY-MM-DD); defaults to the fixture or today")
	return cmd
}

func evaluateFixture(r io.Reader, w io.Writer, months int, through *caldate.Date) error {
	fixture, err := trial.LoadFixture(r)
	if err != nil {
		return err
	}
	res, err := fixture.Evaluate(months, through, compliance.DefaultAlertPolicy())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// newServer wires middleware, the health endpoint and the API routes onto a
// fresh echo instance.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *trial.Service, health echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", health)

	apiV1 := e.Group("/api/v1")
	trial.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.Options{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		HealthCheckPeriod: time.Minute,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reportCache, err := cache.New(ctx, cache.Config{URL: cfg.RedisURL, TTL: cfg.ReportCacheTTL})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer reportCache.Close()
	logger.Info().Bool("enabled", reportCache.IsEnabled()).Msg("report cache ready")

	publisher := events.New(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
	defer publisher.Close()

	svc := trial.NewService(
		trial.NewStudyRepoPG(pool),
		trial.NewSubjectRepoPG(pool),
		trial.NewVisitTemplateRepoPG(pool),
		trial.NewVisitRepoPG(pool),
		trial.NewCycleRepoPG(pool),
		trial.NewDeviationRepoPG(pool),
	)
	svc.SetTxRunner(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	})
	svc.SetCache(reportCache, cfg.ReportCacheTTL)
	svc.SetPublisher(publisher)
	svc.SetAlertPolicy(compliance.AlertPolicy{
		LowPercent:  cfg.AlertLowPercent,
		HighPercent: cfg.AlertHighPercent,
		MaxCount:    cfg.AlertMaxCount,
	})
	svc.SetTrendMaxMonths(cfg.TrendMaxMonths)
	svc.SetLogger(logger.With().Str("component", "trial").Logger())

	var checks []db.Check
	if reportCache.IsEnabled() {
		checks = append(checks, db.Check{Name: "cache", Probe: reportCache.Ping})
	}
	e := newServer(cfg, logger, svc, db.HealthHandler(pool, checks...))

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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
