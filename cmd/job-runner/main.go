package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/memberhost/memberq/internal/config"
	"github.com/memberhost/memberq/internal/jobs"
	"github.com/memberhost/memberq/internal/mail"
	"github.com/memberhost/memberq/internal/notify"
	"github.com/memberhost/memberq/internal/runner"
	"github.com/memberhost/memberq/internal/schema"
	"github.com/memberhost/memberq/internal/store"
	"github.com/memberhost/memberq/shared/logger"
	"github.com/memberhost/memberq/shared/postgresql"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, runner.ErrRunnerLocked) {
			// Normal on hosts running a standby runner.
			log.Println(err)
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("JOB_RUNNER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/job-runner/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateRunnerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting job runner",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	applyCtx, cancelApply := context.WithTimeout(context.Background(), 30*time.Second)
	err = schema.Apply(applyCtx, dbClient.GetDB(), appLogger.Logger)
	cancelApply()
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	st := store.NewStore(dbClient, appLogger.Logger)

	listener := notify.NewListener(
		dbClient.NewListener(cfg.Runner.MinReconnect, cfg.Runner.MaxReconnect),
		appLogger.Logger,
	)
	defer listener.Close()

	mailer := mail.NewSMTPMailer(&mail.Config{
		Enabled: cfg.Mail.Enabled,
		Host:    cfg.Mail.Host,
		Port:    cfg.Mail.Port,
		From:    cfg.Mail.From,
		To:      cfg.Mail.To,
	}, appLogger.Logger)

	r := runner.NewRunner(&runner.Config{
		Logger:      appLogger.Logger,
		Store:       st,
		Listener:    listener,
		Registry:    jobs.NewRegistry(),
		Mailer:      mailer,
		Concurrency: cfg.Runner.Concurrency,
		JobTimeout:  cfg.Runner.JobTimeout,
		Environment: cfg.Runner.Environment,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop dispatching on SIGINT/SIGTERM, then drain the workers
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		appLogger.Info("Shutting down job runner...")
		cancel()
	}()

	if err := r.Start(ctx); err != nil {
		return err
	}

	r.Stop()
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}
