// Package main is the entry point for the nowplayingd daemon.
// nowplayingd mirrors the media sessions of other applications, publishes
// their track and playback changes, and forwards transport commands to them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/local-media/nowplayingd/internal/config"
	"github.com/austinkregel/local-media/nowplayingd/internal/ipc"
	"github.com/austinkregel/local-media/nowplayingd/internal/logging"
	"github.com/austinkregel/local-media/nowplayingd/internal/media"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	configPath string
	socketPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "nowplayingd",
	Short:         "Media session daemon",
	Long:          `nowplayingd tracks the media sessions of running players and serves them to clients over a local socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is the user config dir)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "IPC socket path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ipc.Version = Version

	// Create context that cancels on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newConfigManager() *config.Manager {
	if configPath != "" {
		return config.NewManagerForFile(configPath)
	}
	return config.NewManager("")
}

func loadConfig() (*config.Manager, error) {
	m := newConfigManager()
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return m, nil
}

// resolveSocket picks the socket path: flag, then config, then default
func resolveSocket(cfg config.Config) string {
	if socketPath != "" {
		return socketPath
	}
	if cfg.IPC.SocketPath != "" {
		return cfg.IPC.SocketPath
	}
	return ipc.DefaultSocketPath()
}

func logLevel(cfg config.Config) zapcore.Level {
	if verbose || cfg.Log.Development {
		return zapcore.DebugLevel
	}
	return logging.ParseLevel(cfg.Log.Level)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	logger, level, closeLog, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closeLog()
	level.SetLevel(logLevel(cfg))

	logger.Infow("nowplayingd starting", "version", Version, "config", configMgr.Path())

	resolver := media.NewURLResolver(
		time.Duration(cfg.Artwork.HTTPTimeoutSeconds)*time.Second,
		cfg.Artwork.HTTPRetries,
		logger,
	)
	facade := media.NewFacade(
		media.WithLogger(logger),
		media.WithAcquirer(media.NewPlatformAcquirer(media.PlatformOptions{Artwork: resolver, Logger: logger})),
		media.WithArtworkLoader(media.NewArtworkLoader(cfg.Artwork.MaxBytes)),
	)

	// Always release every session subscription before exit
	defer facade.Shutdown()
	if err := facade.Start(ctx); err != nil {
		return fmt.Errorf("failed to start media sessions: %w", err)
	}

	facade.OnSessionsChanged(func(d media.SessionDelta) {
		if !d.Empty() {
			logger.Infow("sessions changed", "added", d.Added, "removed", d.Removed)
		}
	})

	server := ipc.NewServer(resolveSocket(cfg), facade, logger)
	if err := server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		err := configMgr.Watch(gctx, logger.Named("config"), func(c config.Config) {
			applyConfig(logger, level, c)
		})
		if err != nil {
			// not fatal; settings apply on the next start
			logger.Warnw("config watcher unavailable", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyConfig applies the settings that can change without a restart
func applyConfig(logger *zap.SugaredLogger, level zap.AtomicLevel, cfg config.Config) {
	newLevel := logLevel(cfg)
	if level.Level() != newLevel {
		level.SetLevel(newLevel)
		logger.Infow("log level changed", "level", newLevel)
	}
}
