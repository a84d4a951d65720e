package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	DBStatementTimeout time.Duration `mapstructure:"DB_STATEMENT_TIMEOUT"`

	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	JWTSigningKey string   `mapstructure:"JWT_SIGNING_KEY"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	EncryptionMasterSecret string `mapstructure:"ENCRYPTION_MASTER_SECRET"`

	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit string        `mapstructure:"UPLOAD_BODY_LIMIT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	QueueSlotMinutes int    `mapstructure:"QUEUE_SLOT_MINUTES"`
	AttachmentDir    string `mapstructure:"ATTACHMENT_DIR"`

	AnalysisServiceURL string        `mapstructure:"ANALYSIS_SERVICE_URL"`
	AnalysisTimeout    time.Duration `mapstructure:"ANALYSIS_TIMEOUT"`

	JobsEnabled             bool   `mapstructure:"JOBS_ENABLED"`
	SuspensionSweepSchedule string `mapstructure:"SUSPENSION_SWEEP_SCHEDULE"`
	NotificationSchedule    string `mapstructure:"NOTIFICATION_SCHEDULE"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_STATEMENT_TIMEOUT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "JWT_SIGNING_KEY", "CORS_ORIGINS",
	"ENCRYPTION_MASTER_SECRET",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "UPLOAD_BODY_LIMIT", "REQUEST_TIMEOUT",
	"QUEUE_SLOT_MINUTES", "ATTACHMENT_DIR",
	"ANALYSIS_SERVICE_URL", "ANALYSIS_TIMEOUT",
	"JOBS_ENABLED", "SUSPENSION_SWEEP_SCHEDULE", "NOTIFICATION_SCHEDULE",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_STATEMENT_TIMEOUT", "15s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "12M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("QUEUE_SLOT_MINUTES", 15)
	v.SetDefault("ATTACHMENT_DIR", "./data/attachments")
	v.SetDefault("ANALYSIS_TIMEOUT", "60s")
	v.SetDefault("JOBS_ENABLED", true)
	v.SetDefault("SUSPENSION_SWEEP_SCHEDULE", "@every 15m")
	v.SetDefault("NOTIFICATION_SCHEDULE", "@every 1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments run with "development" (no token checks, X-Dev-* headers) and
// everything else with "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.JWTSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("JWT_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", c.AuthMode)
	}

	if c.IsProduction() && len(c.EncryptionMasterSecret) < 32 {
		return fmt.Errorf("ENCRYPTION_MASTER_SECRET must be at least 32 characters in production")
	}

	if c.QueueSlotMinutes <= 0 {
		return fmt.Errorf("QUEUE_SLOT_MINUTES must be positive, got %d", c.QueueSlotMinutes)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
