package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	// Database. Names kept as MYSQL_* for compatibility with the external
	// config contract this service replaces; the store underneath is
	// Postgres, and internal/platform builds a Postgres DSN from these.
	MySQLUser string `env:"MYSQL_USER" envDefault:"fleetbind"`
	MySQLPass string `env:"MYSQL_PASSWORD" envDefault:"fleetbind"`
	MySQLHost string `env:"MYSQL_HOST" envDefault:"localhost:5432"`
	MySQLDB   string `env:"MYSQL_DB" envDefault:"fleetbind"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Identities. GCPAccountNames lists the service-account identity names
	// this process reconciles; credentials for each live at
	// "{GCPCredentialsDir}/{name}.json" (see pkg/provider).
	GCPAccountNames   []string `env:"GCP_ACCOUNT_NAMES" envSeparator:","`
	GCPCredentialsDir string   `env:"GCP_CREDENTIALS_DIR" envDefault:"/app/credentials"`
	CloudAPIBaseURL   string   `env:"CLOUD_API_BASE_URL" envDefault:"https://cloudresourcemanager.googleapis.com"`

	// Allocation planner
	MaxProjectsPerBilling int `env:"MAX_PROJECTS_PER_BILLING" envDefault:"3"`

	// Scheduler
	UpdateIntervalSeconds int  `env:"UPDATE_INTERVAL" envDefault:"300"`
	MaxWorkers            int  `env:"MAX_WORKERS" envDefault:"8"`
	TaskTimeoutSeconds    int  `env:"TASK_TIMEOUT" envDefault:"600"`
	EnableAutoSwitch      bool `env:"ENABLE_AUTO_SWITCH" envDefault:"true"`

	// Retry executor
	MaxRetries          int  `env:"MAX_RETRIES" envDefault:"3"`
	BaseRetryDelaySecs  int  `env:"BASE_RETRY_DELAY" envDefault:"1"`
	MaxRetryDelaySecs   int  `env:"MAX_RETRY_DELAY" envDefault:"60"`
	EnableJitter        bool `env:"ENABLE_JITTER" envDefault:"true"`

	// Rate gate
	MaxQPSPerAccount float64 `env:"MAX_QPS_PER_ACCOUNT" envDefault:"10"`

	// Alert hook (optional — if unset, webhook delivery is disabled)
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`

	// Admin surface
	AdminAPIToken string `env:"ADMIN_API_TOKEN"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresDSN builds a Postgres connection string from the MYSQL_*-named
// settings. The names are kept for external-contract compatibility; the
// underlying store is Postgres via pgx, not MySQL.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		c.MySQLUser, c.MySQLPass, c.MySQLHost, c.MySQLDB)
}
