package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/adapter"
	"github.com/mawiseman/portal-sync/internal/config"
	"github.com/mawiseman/portal-sync/internal/health"
	"github.com/mawiseman/portal-sync/internal/metrics"
	"github.com/mawiseman/portal-sync/internal/model"
	"github.com/mawiseman/portal-sync/internal/server"
	"github.com/mawiseman/portal-sync/internal/service"
	"github.com/mawiseman/portal-sync/internal/storage"
	"github.com/mawiseman/portal-sync/internal/util/workerpool"
	"github.com/mawiseman/portal-sync/internal/validation"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "portal-sync",
		Short: "Portal organization/tenant sync core",
		Long: "Tracks observed portal network requests, deduplicates repeats and merges\n" +
			"captured organization/tenant records into a versioned local store with\n" +
			"optimistic locking.",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the sync core, reading observation events from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run a one-shot integrity scan over the persisted records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("PORTAL_SYNC_CONFIG")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level

	return zapCfg.Build()
}

func openStore(cfg config.StorageConfig, logger *zap.Logger) (storage.Store, error) {
	if cfg.InMemory {
		return storage.NewMemoryStore(storage.WithMaxValueBytes(cfg.MaxValueBytes)), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return storage.NewBadgerStore(storage.BadgerOptions{
		DataDir:       cfg.DataDir,
		SyncWrites:    true,
		MaxValueBytes: cfg.MaxValueBytes,
	}, logger)
}

func runSync(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("records_key", cfg.Sync.RecordsKey),
		zap.Bool("in_memory", cfg.Storage.InMemory),
		zap.String("data_dir", cfg.Storage.DataDir))

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		logger.Error("Failed to open store", zap.Error(err))
		return err
	}
	defer store.Close()

	m := metrics.NewMetrics()
	backups := service.NewBackupRing(cfg.Backup.Retention)

	consistencySvc := service.NewConsistencyService(
		&service.ConsistencyConfig{
			LockTimeout:  cfg.Consistency.LockTimeout,
			LockPoll:     cfg.Consistency.LockPoll,
			MaxRetries:   cfg.Consistency.MaxRetries,
			RetryBackoff: cfg.Consistency.RetryBackoff,
		},
		store, backups, m, logger,
	)

	dedupSvc := service.NewDedupService(
		&service.DedupConfig{
			Window:        cfg.Dedup.Window,
			SweepInterval: cfg.Dedup.SweepInterval,
		},
		m, logger,
	)

	lifecycleSvc := service.NewLifecycleService(
		&service.LifecycleConfig{
			RequestTimeout:   cfg.Tracker.RequestTimeout,
			CleanupInterval:  cfg.Tracker.CleanupInterval,
			HistoryGrace:     cfg.Tracker.HistoryGrace,
			HistoryRetention: cfg.Tracker.HistoryRetention,
			MaxHistory:       cfg.Tracker.MaxHistory,
			ShutdownGrace:    cfg.Tracker.ShutdownGrace,
		},
		m, logger,
	)

	mergeSvc := service.NewMergeService(validation.NewValidator(), m, logger)

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "sync",
		MaxWorkers: cfg.Sync.Workers,
		QueueSize:  cfg.Sync.QueueSize,
		Logger:     logger,
	})

	classifiers := make([]service.ClassifierRule, 0, len(cfg.Sync.Classifiers))
	for _, rule := range cfg.Sync.Classifiers {
		classifiers = append(classifiers, service.ClassifierRule{
			Type:         model.RequestType(rule.Type),
			URLContains:  rule.URLContains,
			BodyContains: rule.BodyContains,
		})
	}

	capturer := adapter.NewHTTPCapturer(15*time.Second, nil, logger)

	observerSvc := service.NewObserverService(
		&service.ObserverConfig{
			RecordsKey:      cfg.Sync.RecordsKey,
			Classifiers:     classifiers,
			FailureCoalesce: cfg.Sync.FailureCoalesce,
		},
		dedupSvc, lifecycleSvc, consistencySvc, mergeSvc, capturer, pool, m, logger,
	)

	source := adapter.NewStreamSource(os.Stdin, logger)
	if err := observerSvc.Start(source); err != nil {
		logger.Error("Failed to subscribe to observation source", zap.Error(err))
		return err
	}

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	defer cancelHealth()
	checker := health.NewHealthChecker(
		&health.HealthCheckConfig{RecordsKey: cfg.Sync.RecordsKey},
		store, lifecycleSvc, consistencySvc, logger,
	)
	go checker.Start(healthCtx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port},
			m, checker, logger,
		)
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
			return err
		}
	}

	logger.Info("portal-sync running", zap.String("version", version))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Tracker.ShutdownGrace+5*time.Second)
	defer cancel()

	observerSvc.Shutdown(shutdownCtx)
	cancelHealth()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server stop failed", zap.Error(err))
		}
	}

	return nil
}

func runCheck(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	consistencySvc := service.NewConsistencyService(
		&service.ConsistencyConfig{
			LockTimeout:  cfg.Consistency.LockTimeout,
			LockPoll:     cfg.Consistency.LockPoll,
			MaxRetries:   cfg.Consistency.MaxRetries,
			RetryBackoff: cfg.Consistency.RetryBackoff,
		},
		store, service.NewBackupRing(cfg.Backup.Retention), nil, logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := consistencySvc.PerformIntegrityCheck(ctx, nil)
	if err != nil {
		return err
	}

	if report.Passed {
		fmt.Println("integrity check passed")
		return nil
	}

	fmt.Printf("integrity check found %d issue(s):\n", report.IssuesFound)
	for _, issue := range report.Issues {
		fmt.Printf("  %s %s: %s\n", issue.Key, issue.Path, issue.Problem)
	}
	return fmt.Errorf("integrity check failed")
}
