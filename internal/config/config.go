// Package config loads tracematrix settings.
//
// Values are layered: built-in defaults, then an optional YAML file in the
// data directory, then TRACEMATRIX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Benny93/tracematrix/internal/trace"
)

// DataDirName is the directory, relative to the project root, holding the
// database and config file.
const DataDirName = ".tracematrix"

// FileName is the config file inside the data directory.
const FileName = "config.yaml"

// Storage drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all settings.
type Config struct {
	Storage StorageConfig `yaml:"storage"`

	// RedisURL enables cross-process broadcasting when set.
	RedisURL string `yaml:"redis_url"`

	Kinds            []string `yaml:"kinds"`
	DefaultKind      string   `yaml:"default_kind"`
	DefaultDirection string   `yaml:"default_direction"`

	Log LogConfig `yaml:"log"`

	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// RefreshCardsOnChange reloads card snapshots when a remote relation
	// change is applied.
	RefreshCardsOnChange bool `yaml:"refresh_cards_on_change"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the built-in settings for a data directory.
func Default(dataDir string) Config {
	kinds := make([]string, len(trace.DefaultKinds))
	for i, k := range trace.DefaultKinds {
		kinds[i] = string(k)
	}
	return Config{
		Storage: StorageConfig{
			Driver: DriverBadger,
			Path:   filepath.Join(dataDir, "badger"),
		},
		Kinds:                kinds,
		DefaultKind:          string(trace.KindTrace),
		DefaultDirection:     string(trace.LeftToRight),
		Log:                  LogConfig{Level: "info", Format: "text"},
		RefreshCardsOnChange: true,
	}
}

// Load reads the settings for dataDir from the process environment.
func Load(dataDir string) (Config, error) {
	return LoadWithEnv(dataDir, os.Getenv)
}

// LoadWithEnv reads the settings for dataDir using getenv for overrides.
func LoadWithEnv(dataDir string, getenv func(string) string) (Config, error) {
	cfg := Default(dataDir)

	path := filepath.Join(dataDir, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	e := env{getenv}
	cfg.Storage.Driver = e.get("TRACEMATRIX_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.Path = e.get("TRACEMATRIX_STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.DatabaseURL = e.get("TRACEMATRIX_DATABASE_URL", cfg.Storage.DatabaseURL)
	cfg.RedisURL = e.get("TRACEMATRIX_REDIS_URL", cfg.RedisURL)
	cfg.Kinds = e.getList("TRACEMATRIX_KINDS", cfg.Kinds)
	cfg.DefaultKind = e.get("TRACEMATRIX_DEFAULT_KIND", cfg.DefaultKind)
	cfg.DefaultDirection = e.get("TRACEMATRIX_DEFAULT_DIRECTION", cfg.DefaultDirection)
	cfg.Log.Level = e.get("TRACEMATRIX_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = e.get("TRACEMATRIX_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = e.get("TRACEMATRIX_LOG_FILE", cfg.Log.File)
	cfg.MetricsAddr = e.get("TRACEMATRIX_METRICS_ADDR", cfg.MetricsAddr)
	cfg.RefreshCardsOnChange = e.getBool("TRACEMATRIX_REFRESH_CARDS", cfg.RefreshCardsOnChange)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBadger:
		if c.Storage.Path == "" {
			return errors.New("config: storage.path is required for the badger driver")
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: storage.database_url is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	if len(c.Kinds) == 0 {
		return errors.New("config: kinds must not be empty")
	}
	if !slices.Contains(c.Kinds, c.DefaultKind) {
		return fmt.Errorf("config: default_kind %q is not one of %v", c.DefaultKind, c.Kinds)
	}
	if !trace.Direction(c.DefaultDirection).Valid() {
		return fmt.Errorf("config: invalid default_direction %q", c.DefaultDirection)
	}
	return nil
}

// TraceKinds returns the kind vocabulary.
func (c Config) TraceKinds() []trace.Kind {
	kinds := make([]trace.Kind, len(c.Kinds))
	for i, k := range c.Kinds {
		kinds[i] = trace.Kind(k)
	}
	return kinds
}

// Defaults returns the toggle defaults.
func (c Config) Defaults() trace.Defaults {
	return trace.Defaults{
		Kind:      trace.Kind(c.DefaultKind),
		Direction: trace.Direction(c.DefaultDirection),
	}
}

// Save writes the settings to the data directory.
func (c Config) Save(dataDir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, FileName), data, 0o644)
}

type env struct {
	getenv func(string) string
}

func (e env) get(key, fallback string) string {
	value := e.getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func (e env) getBool(key string, fallback bool) bool {
	value := e.getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (e env) getList(key string, fallback []string) []string {
	value := e.getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
