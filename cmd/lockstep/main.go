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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-lockstep/v1/metrics"
	"github.com/mirkobrombin/go-lockstep/v1/worker"
)

var (
	beforeMs    = flag.Int("before", 25, "Delay before taking the lock, in milliseconds")
	holdMs      = flag.Int("hold", 25, "Time to hold the lock, in milliseconds")
	workers     = flag.Int("workers", 2, "Number of workers sharing the lock")
	backend     = flag.String("backend", "local", "Lock backend: local, memory or redis")
	key         = flag.String("key", "lockstep", "Lock key for keyed backends")
	ttl         = flag.Duration("ttl", 0, "Auto-release TTL for keyed backends (0 disables)")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	redisRetry  = flag.Duration("redis-retry", 500*time.Millisecond, "How often redis waiters poll for expired locks")
	natsURL     = flag.String("nats-url", "", "NATS URL propagating memory lock events (empty keeps them local)")
	traceOut    = flag.Bool("trace", false, "Print worker spans to stdout")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	verbose     = flag.Bool("v", false, "Enable debug logs")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("lockstep failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	opts := []worker.Option{worker.WithLogger(logger)}

	if *traceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, worker.WithTracing())
	}

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterWorkerMetrics(reg)
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mx, closeBackend, err := newMutex(backendConfig{
		Name:       *backend,
		Key:        *key,
		TTL:        *ttl,
		RedisAddr:  *redisAddr,
		RedisRetry: *redisRetry,
		NATSURL:    *natsURL,
	})
	if err != nil {
		return err
	}
	defer closeBackend()

	spawner := worker.NewSpawner(opts...)
	defer spawner.Close()

	handles := make([]*worker.Handle, 0, *workers)
	for i := 0; i < *workers; i++ {
		req := worker.FromMillis(mx, *beforeMs, *holdMs)
		req.Key = *key
		h, err := spawner.Spawn(ctx, req)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	outs, err := worker.JoinAll(ctx, handles...)
	if err != nil {
		return err
	}
	for _, out := range outs {
		logger.Info("worker finished",
			"id", out.ID,
			"status", out.Status,
			"held", out.HoldDuration(),
			"elapsed", out.Elapsed())
	}
	return worker.FirstFailure(outs)
}
