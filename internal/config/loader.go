package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION LOADER
// ============================================================================

// Loader handles loading configuration from multiple sources.
type Loader struct {
	// basePath is the directory holding configuration files
	basePath string

	// environment selects the environment-specific file
	environment Environment

	// lookupEnv reads environment variables; replaced in tests
	lookupEnv func(string) (string, bool)

	// sources tracks where configuration was loaded from
	sources []string

	// fileLoaders maps file extensions to their decoders
	fileLoaders []FileLoader
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// NewLoader creates a configuration loader rooted at basePath.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	if env == "" {
		env = Development
	}
	return &Loader{
		basePath:    basePath,
		environment: env,
		lookupEnv:   os.LookupEnv,
		fileLoaders: []FileLoader{&YAMLLoader{}, &JSONLoader{}},
	}
}

// WithLookup replaces the environment variable source.
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load builds the configuration from every layer and validates it.
func (l *Loader) Load() (*Config, error) {
	l.sources = nil
	cfg := Default()
	cfg.Environment = l.environment
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load local config: %w", err)
		}
	}

	if err := l.loadEnvironmentVariables(cfg); err != nil {
		return nil, err
	}
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = append([]string(nil), l.sources...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Sources returns where the last Load read configuration from.
func (l *Loader) Sources() []string {
	return append([]string(nil), l.sources...)
}

// loadFile loads the first existing <name>.<ext> file.
func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, loader := range l.fileLoaders {
		path := filepath.Join(l.basePath, name+"."+loader.Extension())
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		err = loader.Load(file, cfg)
		file.Close()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return os.ErrNotExist
}

// loadEnvironmentVariables overlays environment variables on cfg.
func (l *Loader) loadEnvironmentVariables(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := l.lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := l.lookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	var env string
	str("DOTS_ENVIRONMENT", &env)
	if env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	str("DOTS_LOG_LEVEL", &cfg.LogLevel)
	str("DOTS_USER_ID", &cfg.UserID)
	str("DOTS_WORKSPACE_ID", &cfg.WorkspaceID)

	str("SUPABASE_URL", &cfg.Supabase.URL)
	str("SUPABASE_ANON_KEY", &cfg.Supabase.Key)
	str("SUPABASE_KEY", &cfg.Supabase.Key)
	str("SUPABASE_ACCESS_TOKEN", &cfg.Supabase.AccessToken)
	str("SUPABASE_JWT_SECRET", &cfg.Supabase.JWTSecret)

	str("DOTS_QUEUE_DSN", &cfg.Queue.StorageDSN)
	str("DOTS_QUEUE_KEY", &cfg.Queue.StorageKey)
	if v, ok := l.lookupEnv("DOTS_QUEUE_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DOTS_QUEUE_MAX_RETRIES: %w", err))
		} else {
			cfg.Queue.MaxRetries = n
		}
	}
	dur("DOTS_QUEUE_BASE_DELAY", &cfg.Queue.BaseDelay)

	str("DOTS_REALTIME_URL", &cfg.Realtime.URL)
	dur("DOTS_REALTIME_HEARTBEAT", &cfg.Realtime.HeartbeatInterval)
	dur("DOTS_STATUS_INTERVAL", &cfg.Coordinator.StatusInterval)
	dur("DOTS_SHUTDOWN_DRAIN_TIMEOUT", &cfg.Coordinator.ShutdownDrainTimeout)

	str("DOTS_SERVER_ADDR", &cfg.Server.Addr)

	if v, ok := l.lookupEnv("DOTS_TRACING_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DOTS_TRACING_ENABLED: %w", err))
		} else {
			cfg.Tracing.Enabled = b
		}
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	return errors.Join(errs...)
}

// ============================================================================
// FILE LOADERS
// ============================================================================

// YAMLLoader decodes YAML configuration files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (y *YAMLLoader) Extension() string { return "yaml" }

// JSONLoader decodes JSON configuration files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func (j *JSONLoader) Extension() string { return "json" }

// ============================================================================
// CONVENIENCE
// ============================================================================

// LoadFromEnvironment loads configuration from CONFIG_DIR (default
// "./config") for the environment named by DOTS_ENVIRONMENT.
func LoadFromEnvironment() (*Config, error) {
	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	env := Environment(strings.ToLower(os.Getenv("DOTS_ENVIRONMENT")))
	return NewLoader(dir, env).Load()
}
