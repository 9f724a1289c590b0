package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/myme/internal/app"
	"github.com/fentz26/myme/internal/config"
	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	logStderr  bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the myme daemon",
	Long:  `Starts the myme daemon which owns the task store, the provider sessions and the HTTP API used by the CLI and the TUI.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().BoolVar(&logStderr, "log-stderr", false, "Log to stderr instead of the log file")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return config.Load(path, dataDir)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	logFile := cfg.LogFile()
	if logStderr {
		logFile = ""
	}
	logger, closeLog, err := logging.New(cfg.LogLevel, logFile)
	if err != nil {
		return err
	}
	defer closeLog()
	log.Logger = logger

	ctx := context.Background()
	reg, err := app.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}

	server := controlplane.NewServer(reg, reg.Service(), reg.Store(), cfg.Listen, version)
	reg.StartBackgroundSync(cfg.SyncInterval())

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		serverErr <- server.Start()
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("server error")
		}
	}

	// In-flight operations get the configured grace, plus time to close the
	// listener.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace()+5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("registry shutdown")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
