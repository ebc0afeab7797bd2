package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/dalfonso89/resilient-rpc/internal/api"
	"github.com/dalfonso89/resilient-rpc/internal/config"
	"github.com/dalfonso89/resilient-rpc/internal/health"
	"github.com/dalfonso89/resilient-rpc/internal/logger"
	"github.com/dalfonso89/resilient-rpc/internal/metrics"
	"github.com/dalfonso89/resilient-rpc/internal/platform"
	"github.com/dalfonso89/resilient-rpc/internal/ratelimit"
	"github.com/dalfonso89/resilient-rpc/internal/rpc"
	"github.com/dalfonso89/resilient-rpc/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)

	// Prometheus registry shared by the client recorder and process collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var client *rpc.Client
	recorder, err := metrics.NewRecorder(registry, func() []health.EndpointSnapshot {
		return client.HealthSnapshot()
	})
	if err != nil {
		logger.Fatalf("Failed to register metrics: %v", err)
	}

	clientOptions := []rpc.Option{
		rpc.WithObserver(rpc.MultiObserver{recorder, rpc.LogObserver{Logger: logger}}),
	}

	var sink *storage.BoltSink
	if cfg.Persist.Enabled {
		sink, err = storage.NewBoltSink(cfg.Persist, logger)
		if err != nil {
			logger.Fatalf("Failed to open persistence sink: %v", err)
		}
		clientOptions = append(clientOptions, rpc.WithSink(sink))
	}

	client = rpc.NewClient(cfg, logger, clientOptions...)

	// Initialize HTTP handlers
	handlerConfig := api.HandlerConfig{
		Logger:         logger,
		Client:         client,
		Transactions:   client,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}
	if sink != nil {
		handlerConfig.Persistence = sink
	}
	var clientLimiter *ratelimit.ClientLimiter
	if cfg.RateLimitEnabled {
		clientLimiter = ratelimit.NewClientLimiter(cfg, logger)
		handlerConfig.ClientLimiter = clientLimiter
	}
	handlers := api.NewHandlers(handlerConfig)

	// Setup Gin router
	router := handlers.SetupRoutes()

	// Setup HTTP server; writes may wait for the full request deadline
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestDeadline + 5*time.Second,
	}

	go func() {
		logger.WithField("endpoints", len(cfg.Endpoints)).Info("Starting RPC gateway on port " + cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	shutdownCtx, stop := platform.NewShutdownContext(context.Background(), logger)
	defer stop()
	<-shutdownCtx.Done()

	logger.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownError := server.Shutdown(ctx)
	if clientLimiter != nil {
		clientLimiter.Stop()
	}
	shutdownError = multierr.Append(shutdownError, client.Close())
	if sink != nil {
		shutdownError = multierr.Append(shutdownError, sink.Close())
	}

	if shutdownError != nil {
		for _, err := range multierr.Errors(shutdownError) {
			logger.WithError(err).Error("Shutdown error")
		}
		logger.Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
