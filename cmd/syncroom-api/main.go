package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/syncroom-dev/syncroom/backend/internal/auth"
	"github.com/syncroom-dev/syncroom/backend/internal/config"
	"github.com/syncroom-dev/syncroom/backend/internal/crdt"
	"github.com/syncroom-dev/syncroom/backend/internal/database"
	"github.com/syncroom-dev/syncroom/backend/internal/logging"
	"github.com/syncroom-dev/syncroom/backend/internal/persist"
	"github.com/syncroom-dev/syncroom/backend/internal/rooms"
	"github.com/syncroom-dev/syncroom/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncroom-api",
		Short: "Collaborative room synchronization service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Join token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("idle-teardown", defaults.GetDuration("room.idle_teardown"), "Idle delay before an empty room is freed")
	cmd.PersistentFlags().Duration("snapshot-debounce", defaults.GetDuration("persist.snapshot_debounce"), "Quiet period before the latest snapshot is saved")
	cmd.PersistentFlags().Duration("version-interval", defaults.GetDuration("persist.version_interval"), "Interval between automatic version captures")
	cmd.PersistentFlags().Int("keep-auto-versions", defaults.GetInt("persist.keep_auto_versions"), "Automatic versions retained per file")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "room.idle_teardown", "idle-teardown")
	bindFlag(cmd, "persist.snapshot_debounce", "snapshot-debounce")
	bindFlag(cmd, "persist.version_interval", "version-interval")
	bindFlag(cmd, "persist.keep_auto_versions", "keep-auto-versions")
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

	store, err := persist.NewStore(persist.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	metadata := rooms.NewMetadata(rooms.MetadataConfig{
		Repo:     store,
		Logger:   logger,
		Debounce: appConfig.MetadataDebounce,
	})
	defer metadata.Close()

	// The registry's hooks reach the scheduler and session handler, both of
	// which need the registry first; the closures resolve that cycle.
	var scheduler *persist.Scheduler
	var sessions *server.SessionHandler

	registry := rooms.NewRegistry(rooms.RegistryConfig{
		Snapshots:    store,
		Logger:       logger,
		IdleTeardown: appConfig.IdleTeardown,
		NotFound: func(err error) bool {
			return errors.Is(err, persist.ErrNotFound)
		},
		OnChange: func(roomID string, update crdt.Update) {
			if scheduler != nil {
				scheduler.NoteChange(roomID)
			}
		},
		OnTeardown: func(roomID string) {
			if scheduler != nil {
				scheduler.DropRoom(roomID)
			}
			if sessions != nil {
				sessions.DropRoom(roomID)
			}
			metadata.Drop(roomID)
		},
	})

	scheduler, err = persist.NewScheduler(persist.SchedulerConfig{
		Store:            store,
		Documents:        registry,
		Logger:           logger,
		Clock:            time.Now,
		SnapshotDebounce: appConfig.SnapshotDebounce,
		VersionInterval:  appConfig.VersionInterval,
		KeepAutoVersions: appConfig.KeepAutoVersions,
	})
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	var validator *auth.JoinTokenValidator
	if appConfig.SigningSecret != "" {
		validator, err = auth.NewJoinTokenValidator(auth.JoinTokenValidatorConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
		})
		if err != nil {
			return err
		}
	}

	hub := server.NewHub(logger)
	sessions, err = server.NewSessionHandler(server.SessionDependencies{
		Hub:       hub,
		Registry:  registry,
		Metadata:  metadata,
		Scheduler: scheduler,
		Store:     store,
		Validator: validator,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessions,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

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
