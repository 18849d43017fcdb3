// Package config loads the service configuration from YAML, with
// environment overrides for the secrets that should not live in a file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/inkfable/tokenledger/internal/pricebook"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "config.yaml"

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	Redis     RedisConfig      `yaml:"redis"`
	Kafka     KafkaConfig      `yaml:"kafka"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Log       LogConfig        `yaml:"log"`
	Pricebook []pricebook.Entry `yaml:"pricebook"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures storage. DSN accepts postgres:// URLs or a
// SQLite file path.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures bearer-token validation.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt-secret"`
}

// RedisConfig configures the optional Redis event channel.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// KafkaConfig configures the optional Kafka event sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LedgerConfig tunes the engine's timing knobs.
type LedgerConfig struct {
	HoldTTL            time.Duration `yaml:"hold-ttl"`
	PromoDecay         time.Duration `yaml:"promo-decay"`
	HoldSweepInterval  time.Duration `yaml:"hold-sweep-interval"`
	PromoSweepInterval time.Duration `yaml:"promo-sweep-interval"`
	OutboxSendInterval time.Duration `yaml:"outbox-send-interval"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// ResolveConfigPath falls back to the default when path is empty.
func ResolveConfigPath(path string) string {
	if path == "" {
		return DefaultConfigPath
	}
	return path
}

// Load reads, parses, and defaults a configuration file. TOKENLEDGER_DSN
// and TOKENLEDGER_JWT_SECRET override their file counterparts.
func Load(path string) (*Config, error) {
	raw, errRead := os.ReadFile(ResolveConfigPath(path))
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	var cfg Config
	if errParse := yaml.Unmarshal(raw, &cfg); errParse != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errParse)
	}

	if dsn := os.Getenv("TOKENLEDGER_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := os.Getenv("TOKENLEDGER_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	cfg.applyDefaults()
	if errValidate := cfg.validate(); errValidate != nil {
		return nil, errValidate
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8318
	}
	if c.Ledger.HoldTTL == 0 {
		c.Ledger.HoldTTL = 10 * time.Minute
	}
	if c.Ledger.PromoDecay == 0 {
		c.Ledger.PromoDecay = 30 * 24 * time.Hour
	}
	if c.Ledger.HoldSweepInterval == 0 {
		c.Ledger.HoldSweepInterval = time.Minute
	}
	if c.Ledger.PromoSweepInterval == 0 {
		c.Ledger.PromoSweepInterval = time.Hour
	}
	if c.Ledger.OutboxSendInterval == 0 {
		c.Ledger.OutboxSendInterval = 2 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "tokenledger.events"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "tokenledger.balance-changed"
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt-secret is required")
	}
	return nil
}
