// Command titertrack runs the sample tracking server and its admin tasks.
//
// Usage:
//
//	titertrack serve
//	titertrack seed -f manifest.yaml
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"titertrack/internal/adapters/ingest"
	reportshttp "titertrack/internal/adapters/reports"
	"titertrack/internal/blob"
	"titertrack/internal/config"
	"titertrack/internal/core"
	"titertrack/internal/reporting"
	"titertrack/internal/resultcache"
	"titertrack/internal/seed"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := cfg.NewLogger(stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger, stdout)
	case "seed":
		err = seedCmd(ctx, cfg, logger, args, stdout)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q (want serve or seed)\n", cmd)
		return 2
	}
	if err != nil {
		logger.Error("titertrack failed", "command", cmd, "error", err)
		return 1
	}
	return 0
}

func openService(cfg config.Config, logger *slog.Logger, opts ...core.ServiceOption) (*core.Service, func(), error) {
	store, err := core.OpenPersistentStore(cfg.Storage(), core.NewDefaultRulesEngine())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	closeFn := func() {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("close store", "error", err)
			}
		}
	}
	opts = append([]core.ServiceOption{
		core.WithLogger(logger),
		core.WithAuditRecorder(core.NewSlogAuditRecorder(logger)),
	}, opts...)
	return core.NewService(store, opts...), closeFn, nil
}

func seedCmd(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	path := fs.String("f", "", "path to the YAML seed manifest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("seed: -f manifest path is required")
	}
	manifest, err := seed.LoadFile(*path)
	if err != nil {
		return err
	}
	svc, closeFn, err := openService(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	sum, err := seed.Apply(ctx, svc, manifest)
	_, _ = fmt.Fprintf(stdout, "experiments=%d samples=%d metadata=%d read_pairs=%d titers=%d\n",
		sum.Experiments, sum.Samples, sum.Metadata, sum.ReadPairs, sum.Titers)
	return err
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout io.Writer) error {
	shutdownTracing, err := core.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("shutdown tracing", "error", err)
		}
	}()

	var opts []core.ServiceOption
	switch {
	case cfg.OTLPEndpoint != "":
		opts = append(opts, core.WithTracer(core.NewOTelTracer(nil)))
	case cfg.TraceStdout:
		opts = append(opts, core.WithTracer(core.NewJSONTracer(stdout)))
	}
	var recorders core.MetricsRecorders
	if cfg.EnableMetrics {
		prom, err := core.NewPrometheusMetricsRecorder(nil)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		recorders = append(recorders, prom)
	}
	if cfg.EnableExpvar {
		recorders = append(recorders, core.NewExpvarMetricsRecorder("titertrack_service_metrics"))
	}
	if len(recorders) > 0 {
		opts = append(opts, core.WithMetricsRecorder(recorders))
	}

	svc, closeFn, err := openService(cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer closeFn()

	archiveStore, err := blob.Open(ctx, cfg.Blob())
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	pipeline := reporting.NewReports(svc.Store(), resultcache.New(cfg.CacheTTL), reporting.WithLogger(logger))
	mux := http.NewServeMux()
	mux.Handle("/api/", ingest.NewHandler(svc, logger))
	mux.Handle("/reports/", reportshttp.NewHandler(pipeline,
		reportshttp.WithArchive(blob.NewArchiver(archiveStore)),
		reportshttp.WithIdentityHeader(cfg.IdentityHeader),
		reportshttp.WithLogger(logger),
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if cfg.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if cfg.EnableExpvar {
		mux.Handle("/debug/vars", expvar.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "storage", cfg.StorageDriver, "archive", cfg.BlobDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(sctx)
}
