package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Database and file storage
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailvault.db"`
	DataDir      string `env:"DATA_DIR" envDefault:"./data/files"`

	// Security
	JWTSecret string `env:"JWT_SECRET,required"`

	// NATS (optional; events stay queued in the outbox when unset)
	NATSURL string `env:"NATS_URL"`

	// Mailbox backend: "graph" or "gmail"
	MailProvider string `env:"MAIL_PROVIDER" envDefault:"graph"`

	// Microsoft identity platform
	GraphClientID string `env:"GRAPH_CLIENT_ID"`
	GraphTenant   string `env:"GRAPH_TENANT" envDefault:"consumers"`
	GraphScopes   string `env:"GRAPH_SCOPES" envDefault:"offline_access Mail.Read User.Read"`

	// Google OAuth client (used when MAIL_PROVIDER=gmail)
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleScopes       string `env:"GOOGLE_SCOPES" envDefault:"https://www.googleapis.com/auth/gmail.readonly"`

	// Sync tuning
	SyncPageSize     int           `env:"SYNC_PAGE_SIZE" envDefault:"50"`
	SyncMaxPages     int           `env:"SYNC_MAX_PAGES" envDefault:"20"`
	SyncConcurrency  int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	RecentDays       int           `env:"RECENT_DAYS" envDefault:"3"`
	TokenRefreshSkew time.Duration `env:"TOKEN_REFRESH_SKEW" envDefault:"5m"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// GraphEnabled returns true if the Graph OAuth client is configured.
func (c *Config) GraphEnabled() bool {
	return c.GraphClientID != ""
}

// ScopeList splits the configured Graph scopes.
func (c *Config) ScopeList() []string {
	return strings.Fields(c.GraphScopes)
}

// GoogleScopeList splits the configured Google scopes.
func (c *Config) GoogleScopeList() []string {
	return strings.Fields(c.GoogleScopes)
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.JWTSecret) < 16 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 16 bytes, got %d", len(cfg.JWTSecret))
	}
	if cfg.SyncPageSize < 1 || cfg.SyncPageSize > 1000 {
		return nil, fmt.Errorf("SYNC_PAGE_SIZE must be between 1 and 1000, got %d", cfg.SyncPageSize)
	}
	if cfg.MailProvider != "graph" && cfg.MailProvider != "gmail" {
		return nil, fmt.Errorf("MAIL_PROVIDER must be graph or gmail, got %q", cfg.MailProvider)
	}

	return cfg, nil
}
