package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL     string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	MaxUploadBytes  int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	EncryptionKeys  string        `mapstructure:"ENCRYPTION_KEYS"`
	ActiveKeyID     string        `mapstructure:"ACTIVE_KEY_ID"`
	SigningSecret   string        `mapstructure:"SIGNING_SECRET"`
	LedgerURL       string        `mapstructure:"LEDGER_URL"`
	LedgerTimeout   time.Duration `mapstructure:"LEDGER_TIMEOUT"`
	EventMaxRetries int           `mapstructure:"EVENT_MAX_RETRIES"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAX_UPLOAD_BYTES", 50*1024*1024)
	v.SetDefault("ACTIVE_KEY_ID", "v1")
	v.SetDefault("LEDGER_TIMEOUT", "10s")
	v.SetDefault("EVENT_MAX_RETRIES", 5)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("MAX_UPLOAD_BYTES")
	v.BindEnv("ENCRYPTION_KEYS")
	v.BindEnv("ACTIVE_KEY_ID")
	v.BindEnv("SIGNING_SECRET")
	v.BindEnv("LEDGER_URL")
	v.BindEnv("LEDGER_TIMEOUT")
	v.BindEnv("EVENT_MAX_RETRIES")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
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

// KeyMaterial parses ENCRYPTION_KEYS into key-id → 32-byte key material.
// The format is a comma-separated list of "id:hex" pairs, e.g.
// "v1:<64 hex chars>,v2:<64 hex chars>".
func (c *Config) KeyMaterial() (map[string][]byte, error) {
	keys := make(map[string][]byte)
	if c.EncryptionKeys == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(c.EncryptionKeys, ",") {
		id, hexKey, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("ENCRYPTION_KEYS entry %q is not id:hex", pair)
		}
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEYS key %q is not valid hex: %w", id, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("ENCRYPTION_KEYS key %q must be 32 bytes (64 hex chars), got %d bytes", id, len(raw))
		}
		keys[id] = raw
	}
	return keys, nil
}

// Validate checks that the configuration is safe to run. In production a
// real encryption key set, a signing secret, and JWT configuration are all
// required so the service never starts with an open upload surface.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EncryptionKeys == "" {
			return fmt.Errorf("ENCRYPTION_KEYS is required in production")
		}
		if c.SigningSecret == "" {
			return fmt.Errorf("SIGNING_SECRET is required in production")
		}
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set in production")
		}
	}

	keys, err := c.KeyMaterial()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if _, ok := keys[c.ActiveKeyID]; !ok {
			return fmt.Errorf("ACTIVE_KEY_ID %q not present in ENCRYPTION_KEYS", c.ActiveKeyID)
		}
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}

	return nil
}
