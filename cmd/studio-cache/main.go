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

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/abedhatabh-bit/studio-cache/server"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

var version = "dev"

type cli struct {
	Addr         string   `help:"Listen address." default:":8080"`
	StoragePath  string   `help:"Root path for cache storage." default:"./cache"`
	OfflineDB    string   `help:"Path to the offline records database. Defaults to offline.db under the storage path."`
	CacheVersion int      `help:"Active cache namespace version." default:"1"`
	ShellURL     []string `help:"URLs prefetched into the shell cache on startup."`
	UplinkURL    string   `help:"Remote service base URL for mutation sync."`
	UplinkToken  string   `help:"Bearer token for the uplink." env:"STUDIO_CACHE_UPLINK_TOKEN"`
	StartOffline bool     `help:"Start with connectivity marked offline."`

	OTLPEndpoint     string `help:"OTLP gRPC endpoint for metrics export."`
	EnablePrometheus bool   `help:"Serve Prometheus metrics on /metrics." default:"true"`

	Debug   bool             `help:"Enable debug logging."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("studio-cache"),
		kong.Description("Offline-first resource cache and mutation sync service."),
		kong.Vars{"version": version},
	)

	level := slog.LevelInfo
	if flags.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(run(flags, logger))
}

func run(flags cli, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "studio-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:       flags.Addr,
		StoragePath:   flags.StoragePath,
		OfflineDBPath: flags.OfflineDB,
		CacheVersion:  flags.CacheVersion,
		ShellURLs:     flags.ShellURL,
		UplinkURL:     flags.UplinkURL,
		UplinkToken:   flags.UplinkToken,
		StartOffline:  flags.StartOffline,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return shutdownMetrics(shutdownCtx)
}
