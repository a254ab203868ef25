// gokvd daemon -- authenticated in-memory key-value store over TCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gokvd/internal/config"
	kvmetrics "github.com/dantte-lp/gokvd/internal/metrics"
	"github.com/dantte-lp/gokvd/internal/netio"
	"github.com/dantte-lp/gokvd/internal/server"
	"github.com/dantte-lp/gokvd/internal/store"
	appversion "github.com/dantte-lp/gokvd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain during graceful shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML, optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gokvd %s (%s)\n", appversion.Version, appversion.Commit)
		return 0
	}

	// 2. Load config. Invalid configuration exits before anything opens.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logging.
	logger := newLogger(cfg.Log)

	logger.Info("gokvd starting",
		slog.String("version", appversion.Version),
		slog.Int("port", cfg.Listen.Port),
		slog.Int("tree_a", cfg.Tree.A),
		slog.Int("tree_b", cfg.Tree.B),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Metrics registry and collector.
	reg := prometheus.NewRegistry()
	collector := kvmetrics.NewCollector(reg)

	// 5. The store: the engine behind the readers-writer gate.
	st, err := store.New(cfg.Tree.A, cfg.Tree.B, logger)
	if err != nil {
		logger.Error("failed to create store", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, st, collector, reg, logger); err != nil {
		logger.Error("gokvd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gokvd stopped")
	return 0
}

// newLogger builds the process logger from the logging configuration.
func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(lc.Level)}

	var handler slog.Handler
	if lc.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runServers runs the protocol listener and the metrics endpoint under an
// errgroup with a signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	st *store.Store,
	collector *kvmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	maxBuffer, err := cfg.Limits.MaxSessionBufferBytes()
	if err != nil {
		return err
	}

	ln, err := netio.Listen(ctx, uint16(cfg.Listen.Port))
	if err != nil {
		return err
	}

	srv := server.New(st, cfg.Auth.APIKey, logger,
		server.WithMetrics(collector),
		server.WithMaxSessionBuffer(maxBuffer),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics, reg, logger)
		})
	}

	// Ready for traffic; tell systemd when running as a unit.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify ready failed", slog.String("error", err.Error()))
	}

	err = g.Wait()

	if _, nerr := daemon.SdNotify(false, daemon.SdNotifyStopping); nerr != nil {
		logger.Debug("sd_notify stopping failed", slog.String("error", nerr.Error()))
	}

	return err
}

// serveMetrics exposes the Prometheus registry over HTTP until ctx ends.
func serveMetrics(ctx context.Context, mc config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint up",
			slog.String("addr", mc.Addr),
			slog.String("path", mc.Path),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
