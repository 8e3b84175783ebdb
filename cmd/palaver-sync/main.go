package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/palaver-im/palaver/internal/codec"
	"github.com/palaver-im/palaver/internal/config"
	"github.com/palaver-im/palaver/internal/database"
	"github.com/palaver-im/palaver/internal/dispatch"
	"github.com/palaver-im/palaver/internal/entries"
	"github.com/palaver-im/palaver/internal/logging"
	"github.com/palaver-im/palaver/internal/reconcile"
	"github.com/palaver-im/palaver/internal/remote"
	"github.com/palaver-im/palaver/internal/rooms"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "palaver-sync",
		Short: "Palaver local/remote reconciliation engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("homeserver", defaults.GetString("remote.homeserver"), "Remote homeserver domain")
	cmd.PersistentFlags().String("at-rest-key", "", "Base64-encoded 32-byte event encryption key (overrides env)")
	cmd.PersistentFlags().Duration("backoff-base", defaults.GetDuration("sync.backoff_base"), "Publish retry backoff base")
	cmd.PersistentFlags().Duration("backoff-cap", defaults.GetDuration("sync.backoff_cap"), "Publish retry backoff cap")
	cmd.PersistentFlags().Int("max-collection-workers", defaults.GetInt("sync.max_collection_workers"), "Outbox worker pool size")
	cmd.PersistentFlags().Duration("rescan-interval", defaults.GetDuration("sync.rescan_interval"), "Pending entry rescan interval")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.homeserver", "homeserver")
	bindFlag(cmd, "crypto.at_rest_key", "at-rest-key")
	bindFlag(cmd, "sync.backoff_base", "backoff-base")
	bindFlag(cmd, "sync.backoff_cap", "backoff-cap")
	bindFlag(cmd, "sync.max_collection_workers", "max-collection-workers")
	bindFlag(cmd, "sync.rescan_interval", "rescan-interval")
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

func runEngine(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	store, err := entries.NewStore(entries.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: entries.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	eventCodec, err := codec.New(appConfig.AtRestKey)
	if err != nil {
		return err
	}

	// The loopback gateway keeps single-node deployments and local
	// development self-contained; a federated gateway implementation plugs
	// in through the same interface.
	gateway := remote.NewLoopback()

	binder, err := rooms.NewBinder(rooms.BinderConfig{
		Store:   store,
		Gateway: gateway,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Store:          store,
		Gateway:        gateway,
		Codec:          eventCodec,
		Binder:         binder,
		Logger:         logger,
		BackoffBase:    appConfig.BackoffBase,
		BackoffCap:     appConfig.BackoffCap,
		MaxWorkers:     appConfig.MaxWorkers,
		RescanInterval: appConfig.RescanInterval,
	})
	if err != nil {
		return err
	}

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Store:       store,
		Gateway:     gateway,
		Codec:       eventCodec,
		Logger:      logger,
		BackoffBase: appConfig.BackoffBase,
		BackoffCap:  appConfig.BackoffCap,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatcher.Start(signalCtx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reconciler starting", zap.String("homeserver", appConfig.Homeserver))
		errCh <- reconciler.Run(signalCtx)
	}()

	<-signalCtx.Done()
	logger.Info("shutdown requested, draining in-flight work")
	dispatcher.Wait()
	return <-errCh
}
