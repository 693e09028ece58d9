package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"inbound-mail-webhooks-go/internal/model"
	"inbound-mail-webhooks-go/internal/webhook"
)

// Scheduler is the subset of the refresh scheduler exposed over HTTP.
type Scheduler interface {
	Start() error
	Stop() error
	IsRunning() bool
	RunOnce(ctx context.Context) error
	GetNextRun() time.Time
	GetLastRun() time.Time
	LastError() error
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EmailReader loads stored emails with their attachments.
type EmailReader interface {
	GetByID(ctx context.Context, id uint) (*model.InboundEmail, error)
}

// AttachmentReader returns stored attachment bytes by storage key.
type AttachmentReader interface {
	Read(key string) ([]byte, error)
}

// TenantSnapshot reports the cached tenant list used for verification.
type TenantSnapshot interface {
	Size() int
	LoadedAt() time.Time
}

// Services are the collaborators behind the HTTP handlers. Redis is nil when
// Redis is disabled.
type Services struct {
	Pipeline    *webhook.Pipeline
	Scheduler   Scheduler
	Redis       Pinger
	Emails      EmailReader
	Attachments AttachmentReader
	Tenants     TenantSnapshot
}

// Options carries the request-independent HTTP settings.
type Options struct {
	BasePath      string
	MaxBodyBytes  int64
	PublicBaseURL string
	Providers     map[string]webhook.Provider
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db          *gorm.DB
	pipeline    *webhook.Pipeline
	scheduler   Scheduler
	redis       Pinger
	emails      EmailReader
	attachments AttachmentReader
	tenants     TenantSnapshot
	opts        Options
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, svc Services, opts Options) *Handlers {
	providers := make(map[string]webhook.Provider, len(opts.Providers))
	for name, p := range opts.Providers {
		providers[strings.ToLower(name)] = p
	}
	opts.Providers = providers
	if opts.BasePath == "" {
		opts.BasePath = "/api/v1"
	}

	return &Handlers{
		db:          db,
		pipeline:    svc.Pipeline,
		scheduler:   svc.Scheduler,
		redis:       svc.Redis,
		emails:      svc.Emails,
		attachments: svc.Attachments,
		tenants:     svc.Tenants,
		opts:        opts,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group(h.opts.BasePath)
	{
		api.POST("/webhooks/:provider", h.ReceiveWebhook)
		api.HEAD("/webhooks/:provider", h.ValidateWebhookURL)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
		api.POST("/scheduler/run-once", h.RunOnce)

		api.GET("/emails/:id", h.GetEmail)
		api.GET("/emails/:id/attachments/:attachment_id", h.DownloadAttachment)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Details:   make(map[string]string),
	}

	if err := h.pingDatabase(ctx); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.redis != nil {
		response.Redis = "ok"
		if err := h.redis.Ping(ctx); err != nil {
			response.Status = "error"
			response.Redis = "error"
			logrus.Errorf("Redis health check failed: %v", err)
		}
	}

	if h.scheduler != nil && h.scheduler.IsRunning() {
		response.Details["scheduler"] = "running"
		response.Details["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
	} else {
		response.Details["scheduler"] = "stopped"
	}

	if h.tenants != nil {
		response.Details["tenants"] = strconv.Itoa(h.tenants.Size())
		if loadedAt := h.tenants.LoadedAt(); !loadedAt.IsZero() {
			response.Details["tenants_loaded_at"] = loadedAt.Format(time.RFC3339)
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func (h *Handlers) pingDatabase(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
