// Package config loads gen3d settings. Values are resolved in order:
// defaults, then an optional YAML file, then GEN3D_* environment variables
// (after a .env file, when present, has been merged into the environment).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/manash/gen3d/internal/localstate"
	"github.com/manash/gen3d/pkg/models"
)

const (
	EnvPrefix      = "GEN3D"
	DefaultDotEnv  = ".env"
	DefaultFile    = "config.yaml"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	defaultBackend = "http://localhost:8000"
)

type Config struct {
	Backend  BackendConfig  `yaml:"backend" env:"BACKEND"`
	Storage  StorageConfig  `yaml:"storage" env:"STORAGE"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Client   ClientConfig   `yaml:"client" env:"CLIENT"`
	Defaults DefaultsConfig `yaml:"defaults" env:"DEFAULTS"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
}

type BackendConfig struct {
	URL string `yaml:"url" env:"URL"`
	// Timeout bounds each backend request; 0 means no limit.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type StorageConfig struct {
	// Driver selects the document store: sqlite or redis.
	Driver string `yaml:"driver" env:"DRIVER"`
	// DBPath defaults to gen3d.db in the state directory.
	DBPath string `yaml:"db_path" env:"DB_PATH"`
	// BlobDir defaults to blobs/ in the state directory.
	BlobDir string `yaml:"blob_dir" env:"BLOB_DIR"`
	// PublicBaseURL is where `gen3d serve` exposes BlobDir. Empty means
	// blobs are addressed by file:// URL.
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

type ClientConfig struct {
	// StateDir holds local state, the sqlite database and blobs. Empty
	// means the platform config directory.
	StateDir string `yaml:"state_dir" env:"STATE_DIR"`
}

type DefaultsConfig struct {
	Seed          int     `yaml:"seed" env:"SEED"`
	GuidanceScale float64 `yaml:"guidance_scale" env:"GUIDANCE_SCALE"`
	Steps         int     `yaml:"steps" env:"STEPS"`
	Title         string  `yaml:"title" env:"TITLE"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

func DefaultConfig() *Config {
	params := models.DefaultParams()
	return &Config{
		Backend: BackendConfig{URL: defaultBackend},
		Storage: StorageConfig{Driver: DriverSQLite},
		Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "gen3d:"},
		Defaults: DefaultsConfig{
			Seed:          params.Seed,
			GuidanceScale: params.GuidanceScale,
			Steps:         params.Steps,
			Title:         models.DefaultSessionTitle,
		},
		Log:    LogConfig{Level: "warn", Format: "console"},
		Server: ServerConfig{Addr: "127.0.0.1:8090"},
	}
}

type Loader struct {
	configPath string
	required   bool
	dotEnvPath string
	envPrefix  string
}

func NewLoader() *Loader {
	return &Loader{dotEnvPath: DefaultDotEnv, envPrefix: EnvPrefix}
}

// WithConfigPath reads path as YAML. A missing file is an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	l.required = true
	return l
}

// WithOptionalConfigPath reads path as YAML when it exists.
func (l *Loader) WithOptionalConfigPath(path string) *Loader {
	l.configPath = path
	l.required = false
	return l
}

// WithDotEnv sets the .env file merged into the environment. Empty disables
// it.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

func (l *Loader) Load() (*Config, error) {
	if l.dotEnvPath != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(l.dotEnvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", l.dotEnvPath, err)
		}
	}

	cfg := DefaultConfig()
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !l.required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", l.configPath, err)
	}
	return nil
}

// Load reads the config at path, or the default config file in the state
// directory when path is empty.
func Load(path string) (*Config, error) {
	if path != "" {
		return NewLoader().WithConfigPath(path).Load()
	}
	dir, err := localstate.DefaultDir()
	if err != nil {
		return NewLoader().Load()
	}
	return NewLoader().WithOptionalConfigPath(filepath.Join(dir, DefaultFile)).Load()
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}

		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.Backend.URL == "" {
		errs = append(errs, "backend.url is required")
	} else if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("backend.url %q is not an http(s) URL", c.Backend.URL))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, "backend.timeout must not be negative")
	}

	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q must be sqlite or redis", c.Storage.Driver))
	}
	if c.Storage.PublicBaseURL != "" {
		if u, err := url.Parse(c.Storage.PublicBaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("storage.public_base_url %q is not a URL", c.Storage.PublicBaseURL))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Params returns the default generation parameters, normalized.
func (c *Config) Params() models.Params {
	return models.Params{
		Seed:          c.Defaults.Seed,
		GuidanceScale: c.Defaults.GuidanceScale,
		Steps:         c.Defaults.Steps,
	}.Normalize()
}

// Title returns the session title for new sessions.
func (c *Config) Title() string {
	if strings.TrimSpace(c.Defaults.Title) == "" {
		return models.DefaultSessionTitle
	}
	return c.Defaults.Title
}

// StateDir returns the configured state directory or the platform default.
func (c *Config) StateDir() (string, error) {
	if c.Client.StateDir != "" {
		return c.Client.StateDir, nil
	}
	return localstate.DefaultDir()
}

// DBPath returns the sqlite database path.
func (c *Config) DBPath() (string, error) {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath, nil
	}
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gen3d.db"), nil
}

// BlobDir returns the blob root directory.
func (c *Config) BlobDir() (string, error) {
	if c.Storage.BlobDir != "" {
		return c.Storage.BlobDir, nil
	}
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "blobs"), nil
}
