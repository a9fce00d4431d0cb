package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/costlens/costlens/internal/api"
	"github.com/costlens/costlens/internal/config"
	"github.com/costlens/costlens/internal/observability"
	"github.com/costlens/costlens/internal/store"
	"github.com/costlens/costlens/internal/version"
)

const defaultConfigPath = "costlens.yaml"

const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	if _, _, err := loadAndValidateConfig(*configPath); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

func loadAndValidateConfig(path string) (config.Config, string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewLogCorrelationHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	spanStore, err := newSpanStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := spanStore.Close(); err != nil {
			logger.Error("failed to close span store", "error", err)
		}
	}()

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:     version.String(),
		Store:          spanStore,
		StorageDriver:  cfg.Storage.Driver,
		StoragePath:    cfg.Storage.Path,
		Logger:         logger,
		Metrics:        otelRuntime,
		MaxIngestBytes: cfg.Ingest.MaxBodyBytes,
	})

	serverHandler := http.Handler(apiHandler)
	if otelRuntime != nil {
		serverHandler = otelRuntime.ErrorStatusMiddleware(serverHandler)
		serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)
	}
	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           serverHandler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("collector stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("collector failed", "error", err)
			return 1
		}
		return 0
	}
}

func newSpanStore(cfg config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  costlens serve [--config path/to/costlens.yaml]")
	fmt.Fprintln(out, "  costlens version")
	fmt.Fprintln(out, "  costlens config validate [--config path/to/costlens.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  costlens config validate [--config path/to/costlens.yaml]")
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}
