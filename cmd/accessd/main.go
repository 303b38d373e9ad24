// cmd/accessd/main.go
// Package main implements the entry point for the access service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sellfolio/sellfolio-access-go/internal/config"
	"github.com/sellfolio/sellfolio-access-go/internal/event"
	"github.com/sellfolio/sellfolio-access-go/internal/fee"
	"github.com/sellfolio/sellfolio-access-go/internal/media"
	"github.com/sellfolio/sellfolio-access-go/internal/payments"
	"github.com/sellfolio/sellfolio-access-go/internal/policy"
	"github.com/sellfolio/sellfolio-access-go/internal/server"
	"github.com/sellfolio/sellfolio-access-go/internal/storage"
	"github.com/sellfolio/sellfolio-access-go/internal/telemetry"
	"github.com/sellfolio/sellfolio-access-go/internal/token"
)

// main initializes all components, starts the HTTP server, and handles
// graceful shutdown.
func main() {
	// Load configuration from environment variables. The token signing secret
	// is required, so a misconfigured deployment fails here instead of
	// issuing unverifiable tokens.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("access-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	// Download token service
	tokens, err := token.NewService(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		logger.Error("failed to initialize token service", "error", err)
		os.Exit(1)
	}

	// Fee calculator with the configured default rate
	fees, err := fee.NewCalculator(cfg.FeeRate)
	if err != nil {
		logger.Error("failed to initialize fee calculator", "error", err)
		os.Exit(1)
	}

	opts := server.Options{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}

	// Optional fee policy resolver for per-category rates
	if cfg.PolicyURL != "" {
		opts.FeePolicy = policy.NewResolver(cfg.PolicyURL, "/tmp/sellfolio-fee-policy-cache", cfg.FeeRate)
	}

	// Optional payment provider client for settlement by payment id
	if cfg.PaymentsURL != "" {
		opts.Payments = payments.New(cfg.PaymentsURL)
	}

	// Optional S3 media client for presigned download URLs
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		mediaClient, err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		opts.Media = mediaClient
	}

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(store, pub, tokens, fees, nil, cfg.JWTIssuer, cfg.JWTAudience, opts)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
