package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/config"
	"inbound-mail-webhooks-go/internal/database"
	"inbound-mail-webhooks-go/internal/dedup"
	"inbound-mail-webhooks-go/internal/handler"
	"inbound-mail-webhooks-go/internal/metrics"
	"inbound-mail-webhooks-go/internal/queue"
	"inbound-mail-webhooks-go/internal/repository"
	"inbound-mail-webhooks-go/internal/router"
	"inbound-mail-webhooks-go/internal/scheduler"
	"inbound-mail-webhooks-go/internal/service"
	"inbound-mail-webhooks-go/internal/storage"
	"inbound-mail-webhooks-go/internal/webhook"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Inbound Mail Webhook Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := ConfigureLogging(cfg.Logging); err != nil {
		return err
	}

	dbConn, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx := context.Background()
	tenantRepo := repository.NewTenantRepository(dbConn)
	if err := service.SeedTenants(ctx, tenantRepo, cfg.Tenants); err != nil {
		return err
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var (
		rdb       *redis.Client
		dedupF    service.DedupFilter
		ocrQueue  service.OCRQueue
		redisPing handler.Pinger
	)
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		publisher := queue.NewOCRPublisher(rdb, cfg.Redis.OCRQueue)
		if err := publisher.Ping(ctx); err != nil {
			logrus.Warnf("Redis not reachable at startup: %v", err)
		}
		dedupF = dedup.NewFilter(rdb, cfg.Redis.DedupTTL)
		ocrQueue = publisher
		redisPing = publisher
		logrus.Info("Redis dedup and OCR queue enabled")
	}

	store := storage.NewOSFileStore(cfg.Storage.AttachmentDir)
	emailRepo := repository.NewEmailRepository(dbConn)
	processor := service.NewEmailProcessor(emailRepo, tenantRepo, store, ocrQueue, dedupF, m)

	tenants := service.NewTenantCache(tenantRepo, m)
	if err := tenants.Refresh(ctx); err != nil {
		return err
	}
	sched := scheduler.NewScheduler(&cfg.Scheduler, tenants)

	pipeline := webhook.NewPipeline(webhook.PipelineConfig{
		Environment:        cfg.App.Environment,
		RejectUnverifiedIn: cfg.Webhook.RejectUnverifiedIn,
		BatchConcurrency:   cfg.Webhook.BatchConcurrency,
	}, tenants, processor, m)

	h := handler.NewHandlers(dbConn, handler.Services{
		Pipeline:    pipeline,
		Scheduler:   sched,
		Redis:       redisPing,
		Emails:      emailRepo,
		Attachments: store,
		Tenants:     tenants,
	}, handler.Options{
		BasePath:      cfg.Server.BasePath,
		MaxBodyBytes:  cfg.Webhook.MaxBodyBytes,
		PublicBaseURL: cfg.Webhook.PublicBaseURL,
		Providers:     Providers(cfg.Webhook),
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logrus.Errorf("Failed to close redis client: %v", err)
		}
	}
	if sqlDB, err := dbConn.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logrus.Errorf("Failed to close database: %v", err)
		}
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

// ConfigureLogging applies the logging section to the standard logrus logger.
func ConfigureLogging(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// Providers turns the configured provider map into pipeline providers.
func Providers(cfg config.WebhookConfig) map[string]webhook.Provider {
	providers := make(map[string]webhook.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		name = strings.ToLower(name)
		header := p.SignatureHeader
		if header == "" {
			header = webhook.DefaultSignatureHeader
		}
		providers[name] = webhook.Provider{Name: name, SignatureHeader: header}
	}
	return providers
}
