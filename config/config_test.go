package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/swapflow")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.StoreDriver)
	}
	if cfg.ItemCacheTTL != 30*time.Second {
		t.Fatalf("expected 30s cache ttl, got %s", cfg.ItemCacheTTL)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("expected 10 max conns, got %d", cfg.DBMaxConns)
	}
	if cfg.ServiceName != "swapflow" {
		t.Fatalf("unexpected service name %q", cfg.ServiceName)
	}
	if cfg.Production() {
		t.Fatalf("development should not be production")
	}
	if cfg.Addr() != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
}

func TestParseRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := Parse(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestParseSQLite(t *testing.T) {
	t.Setenv("STORE_DRIVER", " SQLite ")
	t.Setenv("SQLITE_PATH", "/tmp/swap.db")
	t.Setenv("APP_ENV", "production")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StoreDriver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.StoreDriver)
	}
	if !cfg.Production() {
		t.Fatalf("expected production mode")
	}
}

func TestValidateRejects(t *testing.T) {
	base := Config{Port: 8080, StoreDriver: DriverSQLite, SQLitePath: "x.db", DBMaxConns: 1, SamplerRatio: 0.5}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	cases := map[string]func(c *Config){
		"unknown driver": func(c *Config) { c.StoreDriver = "mysql" },
		"port":           func(c *Config) { c.Port = 70000 },
		"max conns":      func(c *Config) { c.DBMaxConns = 0 },
		"sampler":        func(c *Config) { c.SamplerRatio = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
