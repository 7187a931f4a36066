package models

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr     string        `yaml:"server_addr"`
	DatabaseURL    string        `yaml:"database_url"`
	MigrationsDir  string        `yaml:"migrations_dir"`
	StoragePath    string        `yaml:"storage_path"`
	AlternateRoots []string      `yaml:"alternate_roots"`
	MaxUploadMB    int64         `yaml:"max_upload_mb"`
	Workers        int           `yaml:"workers"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`

	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Ghostscript GhostscriptConfig `yaml:"ghostscript"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type KafkaConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
	Group  string `yaml:"group"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GhostscriptConfig struct {
	EnvOverride        string        `yaml:"env_override"`
	Names              []string      `yaml:"names"`
	InstallPaths       []string      `yaml:"install_paths"`
	InstallGlobs       []string      `yaml:"install_globs"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	OptimizeTimeout    time.Duration `yaml:"optimize_timeout"`
	RenderTimeout      time.Duration `yaml:"render_timeout"`
	PageCountTimeout   time.Duration `yaml:"page_count_timeout"`
	DisplayDPI         int           `yaml:"display_dpi"`
	PreviewDPI         int           `yaml:"preview_dpi"`
	PDFSettings        string        `yaml:"pdf_settings"`
	CompatibilityLevel string        `yaml:"compatibility_level"`
}

type SweepConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoadConfig reads the YAML file at path, applies .env and environment
// overrides and fills defaults. A missing .env is not an error.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: load .env: %w", op, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MinLeaseTTL is the longest a run can spend between two lease refreshes:
// optimize, page count and two renders back to back.
func (c *Config) MinLeaseTTL() time.Duration {
	gs := c.Ghostscript
	return gs.OptimizeTimeout + gs.PageCountTimeout + 2*gs.RenderTimeout
}

// Validate rejects settings that would let a healthy run lose its lease.
func (c *Config) Validate() error {
	if floor := c.MinLeaseTTL(); c.LeaseTTL < floor {
		return fmt.Errorf("lease_ttl %s is shorter than optimize_timeout + page_count_timeout + 2*render_timeout (%s)",
			c.LeaseTTL, floor)
	}
	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.DatabaseURL, "DATABASE_URL")
	setFromEnv(&c.StoragePath, "STORAGE_PATH")
	setFromEnv(&c.Kafka.Broker, "KAFKA_BROKER")
	setFromEnv(&c.Redis.Addr, "REDIS_ADDR")
	setFromEnv(&c.Redis.Password, "REDIS_PASSWORD")
	setFromEnv(&c.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v, err := strconv.Atoi(os.Getenv("WORKERS")); err == nil && v > 0 {
		c.Workers = v
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ApplyDefaults fills every zero field with the production default.
func (c *Config) ApplyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = "migrations"
	}
	if c.StoragePath == "" {
		c.StoragePath = "./data"
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 512
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "flipbook-jobs"
	}
	if c.Kafka.Group == "" {
		c.Kafka.Group = "flipbook-workers"
	}

	gs := &c.Ghostscript
	if gs.EnvOverride == "" {
		gs.EnvOverride = "GHOSTSCRIPT_PATH"
	}
	if len(gs.Names) == 0 {
		gs.Names = []string{"gs", "gswin64c", "gswin32c"}
	}
	if len(gs.InstallPaths) == 0 {
		gs.InstallPaths = []string{"/usr/bin/gs", "/usr/local/bin/gs", "/opt/homebrew/bin/gs", "/opt/local/bin/gs"}
	}
	if len(gs.InstallGlobs) == 0 {
		gs.InstallGlobs = []string{`C:\Program Files\gs\*\bin\gswin64c.exe`, `C:\Program Files (x86)\gs\*\bin\gswin32c.exe`}
	}
	if gs.ProbeTimeout <= 0 {
		gs.ProbeTimeout = 10 * time.Second
	}
	if gs.OptimizeTimeout <= 0 {
		gs.OptimizeTimeout = 5 * time.Minute
	}
	if gs.RenderTimeout <= 0 {
		gs.RenderTimeout = 2 * time.Minute
	}
	if gs.PageCountTimeout <= 0 {
		gs.PageCountTimeout = time.Minute
	}
	if gs.DisplayDPI <= 0 {
		gs.DisplayDPI = 150
	}
	if gs.PreviewDPI <= 0 {
		gs.PreviewDPI = 72
	}
	if gs.PDFSettings == "" {
		gs.PDFSettings = "/ebook"
	}
	if gs.CompatibilityLevel == "" {
		gs.CompatibilityLevel = "1.4"
	}

	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = time.Minute
	}
	if c.Sweep.StaleAfter <= 0 {
		c.Sweep.StaleAfter = 30 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "flipbook"
	}
}
