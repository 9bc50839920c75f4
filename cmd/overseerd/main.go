// overseerd is the central authority: it owns module state, the service
// registry and the audit log, and serves them over HTTP and the internal
// TCP line protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ismaelgtc-ship-it/relay/internal/api"
	"github.com/ismaelgtc-ship-it/relay/internal/config"
	"github.com/ismaelgtc-ship-it/relay/internal/core"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/logging"
	"github.com/ismaelgtc-ship-it/relay/internal/server"
	"github.com/ismaelgtc-ship-it/relay/internal/vault"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "overseerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, importDir string
	var showVersion bool

	flagSet := pflag.NewFlagSet("overseerd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (.toml, .yaml, .json)")
	flagSet.StringVar(&importDir, "import-json", "", "copy a JSON data directory into the configured store, then exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("overseerd", version)
		return nil
	}

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	logger, level := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)

	records, err := engine.Open(cfg.Storage.Type, cfg.Storage.DataDir, logger.With("component", "engine"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if importDir != "" {
		defer records.Close()
		return importJSON(ctx, importDir, records, logger)
	}

	authority := core.New(records, core.Options{
		OpTimeout:      cfg.Storage.OpTimeout.Duration,
		LivenessWindow: cfg.Registry.LivenessWindow.Duration,
	}, logger)
	defer func() {
		if err := authority.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	// TCP channel
	router := server.NewRouter(authority, cfg.Auth.InternalKey, logger.With("component", "tcp"))
	if cfg.Server.TLS {
		cert, err := vault.GenerateSelfSignedCert(cfg.Server.TLSHosts...)
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	}

	// HTTP boundary
	auth := api.NewAuth(authKeys(cfg))
	handler := &api.Handler{Core: authority, Service: "overseer", Version: version, Logger: logger.With("component", "http")}
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewOverseerRouter(handler, auth),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if configPath != "" {
		loader.OnChange(func(next *config.Config) {
			auth.SetKeys(authKeys(next))
			router.SetKey(next.Auth.InternalKey)
			level.Set(logging.ParseLevel(next.Logging.Level))
			logger.Info("config reloaded", "path", configPath)
		})
		if err := loader.Watch(); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-loader.Errors():
					logger.Warn("config reload rejected", "error", err)
				}
			}
		}()
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := router.Listen(cfg.Server.TCPAddr); err != nil {
			errCh <- fmt.Errorf("tcp server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	router.Stop()
	logger.Info("finalizing writes")
	return err
}

func authKeys(cfg *config.Config) api.Keys {
	return api.Keys{
		Dashboard: cfg.Auth.DashboardKey,
		Internal:  cfg.Auth.InternalKey,
	}
}

// importJSON copies a JSON-file data directory into records.
func importJSON(ctx context.Context, dir string, records engine.Store, logger *slog.Logger) error {
	src, err := engine.Open(engine.BackendJSON, dir, logger)
	if err != nil {
		return fmt.Errorf("open import source: %w", err)
	}
	defer src.Close()

	n, err := engine.Migrate(ctx, src, records)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	logger.Info("import complete", "records", n, "from", dir)
	return nil
}
