package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/fsbatch/internal/engine"
	"github.com/seantiz/fsbatch/internal/lotworker"
	"github.com/seantiz/fsbatch/internal/orchestrator"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "fsbatch.db"

	envLogLevel    = "FSBATCH_LOG_LEVEL"
	envDBPath      = "FSBATCH_DB_PATH"
	envListenAddr  = "FSBATCH_LISTEN_ADDR"
	envLotSize     = "FSBATCH_LOT_SIZE"
	envLotTimeout  = "FSBATCH_LOT_TIMEOUT"
	envItemTimeout = "FSBATCH_ITEM_TIMEOUT"
)

// Config is the full fsbatch configuration. Fields map 1:1 to the YAML file.
type Config struct {
	Log        LogConfig           `yaml:"log"`
	Store      StoreConfig         `yaml:"store"`
	ListenAddr string              `yaml:"listen_addr"`
	Batch      orchestrator.Config `yaml:"batch"`
	Worker     lotworker.Config    `yaml:"worker"`
	Engine     engine.Config       `yaml:"engine"`
	Metrics    MetricsConfig       `yaml:"metrics"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`

	// File, when set, receives a rotated copy of every log line.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StoreConfig locates the run database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig controls metric export for one-shot runs.
type MetricsConfig struct {
	// Textfile, when set, receives the Prometheus text exposition of the
	// run's metrics when the run ends.
	Textfile string `yaml:"textfile"`
}

// Load builds the configuration from defaults, the YAML file at path (if path
// is non-empty) and FSBATCH_* environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Store:      StoreConfig{Path: defaultDBPath},
		ListenAddr: defaultListenAddr,
		Batch:      orchestrator.DefaultConfig(),
		Worker:     lotworker.DefaultConfig(),
		Engine: engine.Config{
			Command: []string{"java", "-jar", "engine/pcalc.jar"},
			Fingerprint: engine.Fingerprint{
				Name:     "java",
				Artifact: "pcalc.jar",
			},
			ReapGrace:    engine.DefaultReapGrace,
			StartTimeout: engine.DefaultStartTimeout,
			Setup:        engine.DefaultSetup(),
		},
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}

	var errs []error
	if v := os.Getenv(envLotSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envLotSize, err))
		}
		cfg.Batch.LotSize = n
	}
	if v := os.Getenv(envLotTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envLotTimeout, err))
		}
		cfg.Batch.LotTimeout = d
	}
	if v := os.Getenv(envItemTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envItemTimeout, err))
		}
		cfg.Worker.ItemTimeout = d
	}
	return errors.Join(errs...)
}

// Validate checks required fields and every run setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if _, ok := logLevels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return c.Settings().Validate()
}

// Settings returns the part of the configuration a run consumes.
func (c *Config) Settings() orchestrator.Settings {
	return orchestrator.Settings{
		Batch:  c.Batch,
		Worker: c.Worker,
		Engine: c.Engine,
	}
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	return parseLogLevel(c.Log.Level)
}
