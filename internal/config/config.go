package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tenants   []TenantSeed    `mapstructure:"tenants"`
}

// AppConfig holds deployment-wide settings
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BasePath     string        `mapstructure:"base_path"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// RedisConfig holds the Redis connection used for dedup and the OCR queue
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	OCRQueue string        `mapstructure:"ocr_queue"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// WebhookConfig holds inbound webhook settings
type WebhookConfig struct {
	MaxBodyBytes       int64                     `mapstructure:"max_body_bytes"`
	BatchConcurrency   int                       `mapstructure:"batch_concurrency"`
	RejectUnverifiedIn []string                  `mapstructure:"reject_unverified_in"`
	PublicBaseURL      string                    `mapstructure:"public_base_url"`
	Providers          map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig describes one webhook provider mounted under /webhooks/{name}
type ProviderConfig struct {
	SignatureHeader string `mapstructure:"signature_header"`
}

// StorageConfig holds attachment storage configuration
type StorageConfig struct {
	AttachmentDir string `mapstructure:"attachment_dir"`
}

// SchedulerConfig holds tenant snapshot refresh configuration
type SchedulerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// LoggingConfig holds logrus configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TenantSeed is a tenant upserted into the database at startup
type TenantSeed struct {
	Name         string `mapstructure:"name"`
	WebhookEmail string `mapstructure:"webhook_email"`
	SharedSecret string `mapstructure:"shared_secret"`
	Active       *bool  `mapstructure:"active"`
}

// IsActive defaults to true when the seed does not say otherwise.
func (t TenantSeed) IsActive() bool {
	return t.Active == nil || *t.Active
}

// LoadConfig loads configuration from environment variables and config file.
// CONFIG_FILE points at an explicit file; otherwise config.yaml is searched
// in . and ./config.
func LoadConfig() (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "production")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.base_path", "/api/v1")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.ocr_queue", "ocr:jobs")
	v.SetDefault("redis.dedup_ttl", "72h")

	v.SetDefault("webhook.max_body_bytes", 25<<20)
	v.SetDefault("webhook.batch_concurrency", 1)
	v.SetDefault("webhook.reject_unverified_in", []string{"production", "staging"})
	v.SetDefault("webhook.public_base_url", "")
	v.SetDefault("webhook.providers", map[string]interface{}{
		"mandrill": map[string]interface{}{"signature_header": "X-Mandrill-Signature"},
	})

	v.SetDefault("storage.attachment_dir", "./data/attachments")

	v.SetDefault("scheduler.interval_minutes", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("app.environment", "APP_ENV")

	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("server.base_path", "SERVER_BASE_PATH")

	// Database
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("redis.ocr_queue", "REDIS_OCR_QUEUE")
	v.BindEnv("redis.dedup_ttl", "REDIS_DEDUP_TTL")

	// Webhook
	v.BindEnv("webhook.max_body_bytes", "WEBHOOK_MAX_BODY_BYTES")
	v.BindEnv("webhook.batch_concurrency", "WEBHOOK_BATCH_CONCURRENCY")
	v.BindEnv("webhook.reject_unverified_in", "WEBHOOK_REJECT_UNVERIFIED_IN")
	v.BindEnv("webhook.public_base_url", "WEBHOOK_PUBLIC_BASE_URL")

	v.BindEnv("storage.attachment_dir", "STORAGE_ATTACHMENT_DIR")
	v.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")

	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("logging.format", "LOG_FORMAT")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// RejectsUnverified reports whether requests with a non-matching signature
// are refused in the configured environment.
func (c *Config) RejectsUnverified() bool {
	for _, env := range c.Webhook.RejectUnverifiedIn {
		if strings.EqualFold(strings.TrimSpace(env), c.App.Environment) {
			return true
		}
	}
	return false
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis url is required when redis is enabled")
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("webhook max body bytes must be greater than 0")
	}

	if c.Webhook.BatchConcurrency < 1 {
		return fmt.Errorf("webhook batch concurrency must be at least 1")
	}

	if len(c.Webhook.Providers) == 0 {
		return fmt.Errorf("at least one webhook provider is required")
	}
	for name, provider := range c.Webhook.Providers {
		if provider.SignatureHeader == "" {
			return fmt.Errorf("webhook provider %q needs a signature header", name)
		}
	}

	if c.Storage.AttachmentDir == "" {
		return fmt.Errorf("attachment directory is required")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	for i, seed := range c.Tenants {
		if seed.Name == "" || seed.SharedSecret == "" {
			return fmt.Errorf("tenant seed %d needs a name and shared secret", i)
		}
	}

	return nil
}
