// Command execmgrd runs the executor manager daemon: it opens the RDMA
// passive endpoint clients and executors dial into, admits connections,
// launches executor processes, and serves Prometheus metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rfaas/execmgr/internal/launcher"
	"github.com/rfaas/execmgr/internal/resmgr"
	"github.com/rfaas/execmgr/internal/telemetry"
	"github.com/rfaas/execmgr/manager"
)

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("execmgrd: build logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := telemetry.NewZapLogger(zapLogger.Sugar())

	metrics, err := metricsFromEnv()
	if err != nil {
		logger.Errorf("execmgrd: build metrics: %v", err)
		os.Exit(1)
	}

	tracer := telemetry.NewOTelTracer(telemetry.OTelTracerOptions{Name: "github.com/rfaas/execmgr"})

	settings := settingsFromEnv()

	m, err := manager.New(settings, logger, metrics, tracer)
	if err != nil {
		logger.Errorf("execmgrd: start manager: %v", err)
		os.Exit(1)
	}
	m.Start()
	logger.Infof("execmgrd: listening on %s:%s", settings.Node, settings.Service)

	metricsAddr := envOr("EXECMGR_METRICS_ADDR", ":9090")
	httpServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("execmgrd: metrics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("execmgrd: shutdown signal received")
	m.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// metricsFromEnv builds the MetricHook backend selected by
// EXECMGR_METRICS_BACKEND ("prometheus", the default, or "otel"). Both
// backends implement the same telemetry.MetricHook, so everything
// downstream of manager.New is unaffected by the choice.
func metricsFromEnv() (telemetry.MetricHook, error) {
	switch backend := envOr("EXECMGR_METRICS_BACKEND", "prometheus"); backend {
	case "otel":
		return telemetry.NewOTelMetrics(telemetry.OTelMetricsOptions{
			InstrumentationName: "github.com/rfaas/execmgr",
		})
	case "prometheus":
		return telemetry.NewPrometheusMetrics(telemetry.PrometheusMetricsOptions{
			Namespace: "execmgr",
		})
	default:
		return nil, fmt.Errorf("unknown EXECMGR_METRICS_BACKEND %q", backend)
	}
}

func settingsFromEnv() manager.Settings {
	s := manager.Settings{
		Provider:             envOr("EXECMGR_PROVIDER", ""),
		Node:                 envOr("EXECMGR_NODE", "0.0.0.0"),
		Service:              envOr("EXECMGR_SERVICE", "9228"),
		ControlQueueCapacity: envIntOr("EXECMGR_CONTROL_QUEUE_CAPACITY", 256),
		AllocationSlots:      envIntOr("EXECMGR_ALLOCATION_SLOTS", 4),
		MaxClients:           envIntOr("EXECMGR_MAX_CLIENTS", 0),
		PollTimeout:          time.Duration(envIntOr("EXECMGR_POLL_TIMEOUT_MS", 100)) * time.Millisecond,
		Launcher: launcher.Settings{
			BinaryPath:     envOr("EXECMGR_EXECUTOR_BINARY", "executor"),
			Repetitions:    envIntOr("EXECMGR_EXECUTOR_REPETITIONS", 1),
			RecvBufferSize: envIntOr("EXECMGR_EXECUTOR_RECV_BUFFER_SIZE", 4096),
			WarmupIters:    envIntOr("EXECMGR_EXECUTOR_WARMUP_ITERS", 0),
			MaxInlineData:  envIntOr("EXECMGR_EXECUTOR_MAX_INLINE_DATA", 0),
			WorkDir:        envOr("EXECMGR_EXECUTOR_WORKDIR", ""),
		},
	}

	if rmService := os.Getenv("EXECMGR_RESOURCE_MANAGER_SERVICE"); rmService != "" {
		s.ResourceManager = resmgr.Settings{
			Provider: envOr("EXECMGR_RESOURCE_MANAGER_PROVIDER", s.Provider),
			Node:     envOr("EXECMGR_RESOURCE_MANAGER_NODE", ""),
			Service:  rmService,
			Secret:   uint32(envIntOr("EXECMGR_RESOURCE_MANAGER_SECRET", 0)),
		}
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
