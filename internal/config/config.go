package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"calconnect-go/internal/storage"
)

// EnvPrefix is prepended to every environment override, e.g. CALCONNECT_DATABASE_DSN.
const EnvPrefix = "CALCONNECT"

// Config holds all configuration for the application.
type Config struct {
	HTTPPort    int    `mapstructure:"http_port" validate:"gte=0,lte=65535"`
	MetricsPort int    `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `mapstructure:"log_format" validate:"oneof=text json"`
	NumWorkers  int    `mapstructure:"num_workers" validate:"min=1"`

	// EncryptionKey is 32 raw bytes or their standard base64 encoding.
	EncryptionKey          string        `mapstructure:"encryption_key" validate:"required"`
	ReencryptLegacyOnStart bool          `mapstructure:"reencrypt_legacy_on_start"`
	AuditRetention         time.Duration `mapstructure:"audit_retention" validate:"gte=0"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	App       AppConfig       `mapstructure:"app"`
	State     StateConfig     `mapstructure:"state"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Google    OAuthClient     `mapstructure:"google"`
	Microsoft MicrosoftClient `mapstructure:"microsoft"`
}

// DatabaseConfig selects the store backend and pool limits.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite3"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gt=0"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"gt=0,ltefield=ConnMaxLifetime"`
}

// AuthConfig verifies the bearer tokens that identify API callers.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret" validate:"required,min=32"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// AppConfig holds the URLs of the surrounding web application.
type AppConfig struct {
	BaseURL         string `mapstructure:"base_url" validate:"required,url"`
	SettingsPath    string `mapstructure:"settings_path" validate:"required,startswith=/"`
	ResourceBaseURL string `mapstructure:"resource_base_url" validate:"omitempty,url"`
}

// StateConfig selects where pending OAuth states live.
type StateConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory redis"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gte=1m,lte=1h"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
}

// ProviderConfig bounds outbound provider calls.
type ProviderConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=1s"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" validate:"gte=0"`
}

// OAuthClient is a registered OAuth application. A provider is enabled when
// its ClientID is set.
type OAuthClient struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret" validate:"required_with=ClientID"`
	RedirectURL  string `mapstructure:"redirect_url" validate:"required_with=ClientID,omitempty,url"`
}

// Enabled reports whether the client is configured.
func (c OAuthClient) Enabled() bool { return c.ClientID != "" }

// MicrosoftClient adds the directory tenant.
type MicrosoftClient struct {
	OAuthClient `mapstructure:",squash"`
	Tenant      string `mapstructure:"tenant"`
}

var dbDefaults = storage.DefaultConfig()

var defaults = map[string]interface{}{
	"http_port":                   8080,
	"metrics_port":                9090,
	"log_level":                   "info",
	"log_format":                  "text",
	"num_workers":                 2,
	"encryption_key":              "",
	"reencrypt_legacy_on_start":   false,
	"audit_retention":             90 * 24 * time.Hour,
	"database.driver":             dbDefaults.Driver,
	"database.dsn":                dbDefaults.DSN,
	"database.max_open_conns":     dbDefaults.MaxOpenConns,
	"database.max_idle_conns":     dbDefaults.MaxIdleConns,
	"database.conn_max_lifetime":  dbDefaults.ConnMaxLifetime,
	"database.conn_max_idle_time": dbDefaults.ConnMaxIdleTime,
	"auth.jwt_secret":             "",
	"auth.jwt_audience":           "",
	"app.base_url":                "",
	"app.settings_path":           "/settings/integrations",
	"app.resource_base_url":       "",
	"state.backend":               "memory",
	"state.ttl":                   10 * time.Minute,
	"state.redis_addr":            "",
	"state.redis_password":        "",
	"state.redis_db":              0,
	"provider.timeout":            10 * time.Second,
	"provider.max_attempts":       3,
	"provider.base_backoff":       200 * time.Millisecond,
	"google.client_id":            "",
	"google.client_secret":        "",
	"google.redirect_url":         "",
	"microsoft.client_id":         "",
	"microsoft.client_secret":     "",
	"microsoft.redirect_url":      "",
	"microsoft.tenant":            "common",
}

// Load reads configuration from an optional file and overrides it with
// CALCONNECT_* environment variables. An empty path means environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// validate checks the configuration for errors.
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Additional custom validations
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if !c.Google.Enabled() && !c.Microsoft.Enabled() {
		return errors.New("at least one calendar provider must be configured")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return errors.New("database.max_idle_conns cannot exceed database.max_open_conns")
	}
	return nil
}

// EncryptionKeyBytes decodes the token encryption key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if key, err := base64.StdEncoding.DecodeString(c.EncryptionKey); err == nil && len(key) == 32 {
		return key, nil
	}
	if len(c.EncryptionKey) == 32 {
		return []byte(c.EncryptionKey), nil
	}
	return nil, errors.New("encryption_key must be 32 bytes or their base64 encoding")
}

// StorageConfig converts the database section for storage.OpenDatabase.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// CallbackURL is where the UI lands after a connect attempt.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.App.BaseURL, "/") + c.App.SettingsPath
}
