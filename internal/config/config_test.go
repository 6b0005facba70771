package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ServerYAML(t *testing.T) {
	cfg, err := Load("../../configs/server.yaml")
	if err != nil {
		t.Fatalf("load server.yaml: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath == "" {
		t.Fatalf("store=%+v", cfg.Store)
	}
	if cfg.Turn.DailyLimit != 50 || cfg.Turn.TokenBudget != 500000 || cfg.Turn.Lease() != 5*time.Minute || cfg.Turn.SnapshotEvery != 5 {
		t.Fatalf("turn=%+v", cfg.Turn)
	}
	if cfg.Images.Timeout() != 15*time.Second || !cfg.Images.DeterministicSeed {
		t.Fatalf("images=%+v", cfg.Images)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Store.SQLitePath != "./data/faxhistoria.db" || cfg.Model.MaxRetries != 2 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Defaults()
	env := map[string]string{
		"GEMINI_API_KEY":               " gk ",
		"FAX_PG_DSN":                   "postgres://x",
		"FAX_IMAGE_API_KEY":            "ik",
		"FAX_BACKUP_ACCESS_KEY_ID":     "ak",
		"FAX_BACKUP_SECRET_ACCESS_KEY": "sk",
	}
	cfg.applyEnv(func(k string) string { return env[k] })
	if cfg.Model.APIKey != "gk" || cfg.Store.PostgresDSN != "postgres://x" || cfg.Images.APIKey != "ik" {
		t.Fatalf("cfg=%+v", cfg)
	}
	cfg.Backup.Endpoint, cfg.Backup.Bucket = "r2.example", "fax"
	if err := cfg.Validate(); err != nil || cfg.Backup.AccessKeyID != "ak" {
		t.Fatalf("backup: %+v err=%v", cfg.Backup, err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"driver":   func(c *Config) { c.Store.Driver = "mysql" },
		"pg dsn":   func(c *Config) { c.Store.Driver = "postgres"; c.Store.PostgresDSN = "" },
		"provider": func(c *Config) { c.Model.Provider = "other" },
		"limit":    func(c *Config) { c.Turn.DailyLimit = 0 },
		"addr":     func(c *Config) { c.Addr = " " },
		"backup":   func(c *Config) { c.Backup.Endpoint = "r2.example"; c.Backup.Bucket = "b" },
	}
	for name, edit := range cases {
		cfg := Defaults()
		edit(&cfg)
		cfg.Normalize()
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("turn: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
