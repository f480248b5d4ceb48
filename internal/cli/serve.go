package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velhart/stencild/internal/config"
	"github.com/velhart/stencild/internal/logger"
	"github.com/velhart/stencild/internal/metrics"
	"github.com/velhart/stencild/pkg/dispatch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and HTTP front end",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.Close()
	log := lg.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	m := metrics.New()

	var sampler dispatch.MemorySampler
	if s, err := dispatch.NewProcfsSampler(); err == nil {
		sampler = s
	} else {
		log.Warn().Err(err).Msg("Memory sampling unavailable, shrink policy falls back to oldest-first")
	}

	workerArgs := []string{
		"--log-level", cfg.Logging.Level,
		"--deadline", fmt.Sprintf("%d", cfg.DeadlineSeconds),
		"--session-expiry", fmt.Sprintf("%d", cfg.Session.ExpirySeconds),
		"--cookie-path", cfg.Session.CookiePath,
	}
	if cfg.Session.ErrorLog {
		workerArgs = append(workerArgs, "--error-log")
	}

	d := dispatch.New(dispatch.Config{
		SessionDB:      cfg.Session.DBPath,
		Slack:          cfg.Pool.Slack,
		ShrinkInterval: time.Duration(cfg.Pool.ShrinkIntervalSeconds) * time.Second,
		Spawn:          dispatch.SelfSpawn(workerArgs...),
		Sampler:        sampler,
		Metrics:        m,
		Logger:         log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	server := dispatch.NewServer(d, cfg.DocumentRoot, m, log)
	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("document_root", cfg.DocumentRoot).
			Msg("HTTP front end listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	cancel()
	return nil
}
