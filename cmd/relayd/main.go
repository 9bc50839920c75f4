// relayd is a dependent service: it registers with the overseer, keeps its
// module state fresh, captures periodic snapshots of the configured subjects
// and serves the snapshot pull interface.
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

	"github.com/ismaelgtc-ship-it/relay/internal/agent"
	"github.com/ismaelgtc-ship-it/relay/internal/api"
	"github.com/ismaelgtc-ship-it/relay/internal/config"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/logging"
	"github.com/ismaelgtc-ship-it/relay/internal/snapshot"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
	"github.com/ismaelgtc-ship-it/relay/pkg/sdk"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (.toml, .yaml, .json)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("relayd", version)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Snapshot history
	records, err := engine.Open(cfg.Storage.Type, cfg.Storage.DataDir, logger.With("component", "engine"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer records.Close()

	source, err := newSource(cfg.Snapshot.Source)
	if err != nil {
		return err
	}
	pipeline := &snapshot.Pipeline{
		Capturer:       snapshot.NewCapturer(source),
		Store:          snapshot.NewStore(records, cfg.Storage.OpTimeout.Duration),
		CaptureTimeout: cfg.Snapshot.CaptureTimeout.Duration,
		Logger:         logger.With("component", "snapshot"),
	}
	scheduler := snapshot.NewScheduler(pipeline, cfg.Snapshot.Subjects,
		cfg.Snapshot.Interval.Duration, cfg.Snapshot.InitialDelay.Duration, logger.With("component", "scheduler"))
	if cfg.Snapshot.Enabled && len(cfg.Snapshot.Subjects) > 0 {
		scheduler.Start(ctx)
		defer scheduler.Stop()
	} else {
		logger.Info("snapshot loop disabled", "enabled", cfg.Snapshot.Enabled, "subjects", len(cfg.Snapshot.Subjects))
	}

	// Overseer gateway
	gw, err := sdk.New(sdk.Config{Options: sdk.Options{
		Addr:               cfg.Gateway.Addr,
		Key:                cfg.Gateway.Key,
		Actor:              cfg.Gateway.Service,
		TLS:                cfg.Gateway.TLS,
		InsecureSkipVerify: cfg.Gateway.TLSSkipVerify,
		Logger:             logger.With("component", "gateway"),
	}})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer gw.Close()
	if cfg.Gateway.Addr == "" {
		logger.Warn("no overseer address configured, running standalone")
	}

	tracked := cfg.Gateway.Modules
	if len(tracked) == 0 {
		tracked = schema.ModulesOwnedBy(schema.OwnerRealtime)
	}
	ag := agent.New(gw, agent.Options{
		Service: cfg.Gateway.Service,
		Version: cfg.Gateway.Version,
		Meta: map[string]any{
			"subjects": cfg.Snapshot.Subjects,
			"snapshot": cfg.Snapshot.Enabled,
		},
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval.Duration,
		RefreshInterval:   cfg.Gateway.RefreshInterval.Duration,
		Modules:           tracked,
	}, logger.With("component", "agent"))
	ag.Start(ctx)
	defer ag.Stop()
	for _, name := range tracked {
		logger.Info("module state", "module", name, "runnable", ag.Runnable(name))
	}

	// Pull interface
	auth := api.NewAuth(api.Keys{Snapshot: cfg.Auth.SnapshotKey})
	handler := &api.SnapshotHandler{
		Pipeline:  pipeline,
		Scheduler: scheduler,
		Service:   cfg.Gateway.Service,
		Version:   version,
		Logger:    logger.With("component", "http"),
	}
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewSnapshotRouter(handler, auth),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if configPath != "" {
		loader.OnChange(func(next *config.Config) {
			auth.SetKeys(api.Keys{Snapshot: next.Auth.SnapshotKey})
			level.Set(logging.ParseLevel(next.Logging.Level))
			logger.Info("config reloaded", "path", configPath)
		})
		if err := loader.Watch(); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
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
	return err
}

func newSource(cfg config.SourceConfig) (snapshot.Source, error) {
	switch cfg.Type {
	case "file":
		return &snapshot.FileSource{Dir: cfg.Path}, nil
	case "http", "":
		src := snapshot.NewHTTPSource(cfg.URL, cfg.Token)
		if cfg.PageSize > 0 {
			src.PageSize = cfg.PageSize
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown snapshot source %q", cfg.Type)
	}
}
