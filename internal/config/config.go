// Package config loads the server settings from configs/server.yaml and the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`
	// Catalog is a countries YAML file; empty uses the built-in catalog.
	Catalog string `yaml:"catalog"`

	Store  StoreConfig  `yaml:"store"`
	Turn   TurnConfig   `yaml:"turn"`
	Model  ModelConfig  `yaml:"model"`
	Images ImagesConfig `yaml:"images"`
	Backup BackupConfig `yaml:"backup"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	// PostgresDSN is usually left empty and taken from FAX_PG_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`
}

type TurnConfig struct {
	DailyLimit         int   `yaml:"daily_limit"`
	TokenBudget        int64 `yaml:"token_budget"`
	LeaseSeconds       int   `yaml:"lease_seconds"`
	SnapshotEvery      int   `yaml:"snapshot_every"`
	HeartbeatMs        int   `yaml:"heartbeat_ms"`
	TurnLog            bool  `yaml:"turn_log"`
	SnapshotFiles      bool  `yaml:"snapshot_files"`
	RequestTimeoutSecs int   `yaml:"request_timeout_seconds"`
}

type ModelConfig struct {
	// Provider is "gemini" or "scripted".
	Provider   string `yaml:"provider"`
	Name       string `yaml:"name"`
	MaxRetries int    `yaml:"max_retries"`
	APIKey     string `yaml:"api_key"`
}

type ImagesConfig struct {
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	Size              string `yaml:"size"`
	TimeoutMs         int    `yaml:"timeout_ms"`
	PublicBaseURL     string `yaml:"public_base_url"`
	PublicPathPrefix  string `yaml:"public_path_prefix"`
	MaxPromptLength   int    `yaml:"max_prompt_length"`
	DeterministicSeed bool   `yaml:"deterministic_seed"`
	SeedSalt          string `yaml:"seed_salt"`
}

// BackupConfig points at an S3-compatible bucket. An empty endpoint turns
// backups off. Keys come from FAX_BACKUP_ACCESS_KEY_ID and
// FAX_BACKUP_SECRET_ACCESS_KEY.
type BackupConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Workers         int    `yaml:"workers"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

func (b BackupConfig) Enabled() bool { return b.Endpoint != "" }

// Load reads path over Defaults, applies env overrides, then normalizes and
// validates. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("server.yaml: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Addr:    ":8080",
		DataDir: "./data",
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Turn: TurnConfig{
			DailyLimit:         50,
			TokenBudget:        500000,
			LeaseSeconds:       300,
			SnapshotEvery:      5,
			HeartbeatMs:        2000,
			TurnLog:            true,
			SnapshotFiles:      true,
			RequestTimeoutSecs: 300,
		},
		Model: ModelConfig{
			Provider:   "gemini",
			Name:       "gemini-2.5-flash",
			MaxRetries: 2,
		},
		Images: ImagesConfig{
			Size:              "384x384",
			TimeoutMs:         15000,
			PublicPathPrefix:  "/generated",
			MaxPromptLength:   700,
			DeterministicSeed: true,
		},
		Backup: BackupConfig{
			Region:  "auto",
			Workers: 2,
		},
	}
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("GEMINI_API_KEY")); v != "" {
		c.Model.APIKey = v
	}
	if v := strings.TrimSpace(getenv("FAX_PG_DSN")); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := strings.TrimSpace(getenv("FAX_IMAGE_API_KEY")); v != "" {
		c.Images.APIKey = v
	}
	c.Backup.AccessKeyID = strings.TrimSpace(getenv("FAX_BACKUP_ACCESS_KEY_ID"))
	c.Backup.SecretAccessKey = strings.TrimSpace(getenv("FAX_BACKUP_SECRET_ACCESS_KEY"))
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = c.DataDir + "/faxhistoria.db"
	}
	if c.Model.MaxRetries < 0 {
		c.Model.MaxRetries = 0
	}
	c.Images.Endpoint = strings.TrimSpace(c.Images.Endpoint)
	c.Backup.Endpoint = strings.TrimSpace(c.Backup.Endpoint)
	if c.Backup.Workers <= 0 {
		c.Backup.Workers = 2
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.driver=postgres needs postgres_dsn or FAX_PG_DSN")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Model.Provider {
	case "gemini", "scripted":
	default:
		return fmt.Errorf("unknown model.provider %q", c.Model.Provider)
	}
	t := c.Turn
	if t.DailyLimit <= 0 || t.TokenBudget <= 0 || t.LeaseSeconds <= 0 || t.SnapshotEvery <= 0 {
		return fmt.Errorf("turn limits must be > 0")
	}
	if t.HeartbeatMs <= 0 || t.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("turn.heartbeat_ms and turn.request_timeout_seconds must be > 0")
	}
	if c.Images.TimeoutMs < 0 || c.Images.MaxPromptLength < 0 {
		return fmt.Errorf("images limits must be >= 0")
	}
	if b := c.Backup; b.Enabled() {
		if strings.TrimSpace(b.Bucket) == "" {
			return fmt.Errorf("backup.bucket is required when backup.endpoint is set")
		}
		if b.AccessKeyID == "" || b.SecretAccessKey == "" {
			return fmt.Errorf("backup needs FAX_BACKUP_ACCESS_KEY_ID and FAX_BACKUP_SECRET_ACCESS_KEY")
		}
	}
	return nil
}

func (t TurnConfig) Lease() time.Duration { return time.Duration(t.LeaseSeconds) * time.Second }

func (t TurnConfig) Heartbeat() time.Duration { return time.Duration(t.HeartbeatMs) * time.Millisecond }

func (t TurnConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSecs) * time.Second
}

func (i ImagesConfig) Timeout() time.Duration { return time.Duration(i.TimeoutMs) * time.Millisecond }
