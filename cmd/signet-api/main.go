package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/presswise/signet/internal/config"
	"github.com/presswise/signet/internal/database"
	"github.com/presswise/signet/internal/devices"
	"github.com/presswise/signet/internal/events"
	"github.com/presswise/signet/internal/logging"
	"github.com/presswise/signet/internal/queue"
	"github.com/presswise/signet/internal/remote"
	"github.com/presswise/signet/internal/server"
	"github.com/presswise/signet/internal/syncer"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signet-api",
		Short: "Signet offline submission queue service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote persistence endpoint base URL")
	cmd.PersistentFlags().String("remote-signing-secret", "", "Remote service-token signing secret (overrides env)")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Periodic sync sweep interval in seconds")
	cmd.PersistentFlags().Int("max-retry-attempts", defaults.GetInt("sync.max_retry_attempts"), "Attempt cap before a record needs a forced sync")
	cmd.PersistentFlags().Int("retention-days", defaults.GetInt("retention.days"), "Days to keep synced records")
	cmd.PersistentFlags().String("retention-schedule", defaults.GetString("retention.schedule"), "Cron schedule for retention cleanup")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.signing_secret", "remote-signing-secret")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.max_retry_attempts", "max-retry-attempts")
	bindFlag(cmd, "retention.days", "retention-days")
	bindFlag(cmd, "retention.schedule", "retention-schedule")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	bus := events.NewBus()

	store, err := queue.NewStore(db)
	if err != nil {
		return err
	}

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens: remote.NewServiceTokenIssuer(remote.ServiceTokenConfig{
			SigningSecret: []byte(appConfig.RemoteSigningSecret),
			ServiceName:   appConfig.ServiceName,
			Issuer:        "signet",
			Audience:      "signet-remote",
		}),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	monitor, err := syncer.NewMonitor(syncer.MonitorConfig{
		Prober:        remoteProber{client: remoteClient},
		ProbeInterval: appConfig.ProbeInterval,
		Events:        bus,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Store:            store,
		Remote:           remoteClient,
		Monitor:          monitor,
		Events:           bus,
		Logger:           logger,
		MaxRetryAttempts: appConfig.MaxRetryAttempts,
		SweepInterval:    appConfig.SyncInterval,
		AttemptDelay:     appConfig.AttemptDelay,
		AttemptTimeout:   appConfig.AttemptTimeout,
	})
	if err != nil {
		return err
	}

	deviceRegistry, err := devices.NewService(devices.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	queueService, err := queue.NewService(queue.ServiceConfig{
		Store:        store,
		IDProvider:   queue.NewUUIDProvider(),
		Events:       bus,
		Devices:      deviceRegistry,
		Connectivity: monitor,
		SweepState:   engine,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queue:   queueService,
		Engine:  engine,
		Events:  bus,
		Devices: deviceRegistry,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	monitor.Start(ctx)
	defer monitor.Stop()
	engine.StartPeriodicSync(ctx)
	defer engine.StopPeriodicSync()

	retention := cron.New()
	_, err = retention.AddFunc(appConfig.RetentionSchedule, func() {
		if _, err := queueService.Cleanup(context.Background(), appConfig.RetentionDays); err != nil {
			logger.Error("scheduled retention cleanup failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	retention.Start()
	defer retention.Stop()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type remoteProber struct {
	client *remote.Client
}

func (p remoteProber) Probe(ctx context.Context) bool {
	return p.client.Health(ctx)
}
