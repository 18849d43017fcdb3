package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(content), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: ledger.db
auth:
  jwt-secret: secret
`)

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Server.Port != 8318 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Ledger.HoldTTL != 10*time.Minute {
		t.Errorf("default hold ttl: got %v", cfg.Ledger.HoldTTL)
	}
	if cfg.Ledger.PromoDecay != 30*24*time.Hour {
		t.Errorf("default promo decay: got %v", cfg.Ledger.PromoDecay)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level: got %s", cfg.Log.Level)
	}
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
database:
  dsn: postgres://ledger@localhost/ledger
auth:
  jwt-secret: secret
ledger:
  hold-ttl: 5m
  promo-decay: 168h
pricebook:
  - feature: chapter_generation
    unit-cost: 10
    reason: chapter_generation
`)

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("addr: got %s", cfg.Server.Addr())
	}
	if cfg.Ledger.HoldTTL != 5*time.Minute {
		t.Errorf("hold ttl: got %v", cfg.Ledger.HoldTTL)
	}
	if cfg.Ledger.PromoDecay != 7*24*time.Hour {
		t.Errorf("promo decay: got %v", cfg.Ledger.PromoDecay)
	}
	if len(cfg.Pricebook) != 1 || cfg.Pricebook[0].UnitCost != 10 {
		t.Errorf("pricebook: got %+v", cfg.Pricebook)
	}
}

func TestLoadRequiresDSNAndSecret(t *testing.T) {
	missingDSN := writeConfig(t, "auth:\n  jwt-secret: secret\n")
	if _, errLoad := Load(missingDSN); errLoad == nil {
		t.Error("expected error for missing dsn")
	}

	missingSecret := writeConfig(t, "database:\n  dsn: ledger.db\n")
	if _, errLoad := Load(missingSecret); errLoad == nil {
		t.Error("expected error for missing jwt secret")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: ledger.db
auth:
  jwt-secret: file-secret
`)
	t.Setenv("TOKENLEDGER_DSN", "postgres://env@localhost/ledger")
	t.Setenv("TOKENLEDGER_JWT_SECRET", "env-secret")

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Database.DSN != "postgres://env@localhost/ledger" {
		t.Errorf("dsn override: got %s", cfg.Database.DSN)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("secret override: got %s", cfg.Auth.JWTSecret)
	}
}
