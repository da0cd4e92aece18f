// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates workflowd's process configuration:
// storage/queue backend selection, retry and throttle policy, the
// encryption master secret source, and the HTTP facade's bind address
// and JWT settings.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/wkf/internal/secrets"
	conductorerrors "github.com/tombee/wkf/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the complete workflowd process configuration.
type Config struct {
	// Version is the config file format version (1 = initial release).
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	// DeploymentID namespaces runs and queue names for this process —
	// stamped on every Run and used to derive per-run encryption keys
	// alongside the run id.
	DeploymentID string `yaml:"deployment_id" json:"deployment_id"`

	// SpecVersion is stamped on every event newly appended by this
	// process. Lower versions already in the event log are still
	// readable (internal/serialize falls back to plain JSON for them)
	// but this process never writes them.
	SpecVersion int `yaml:"spec_version,omitempty" json:"spec_version,omitempty"`

	// DrainTimeoutSeconds bounds how long graceful shutdown waits for
	// in-flight workflow/step consumer iterations and HTTP requests to
	// finish before returning anyway.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds,omitempty" json:"drain_timeout_seconds,omitempty"`

	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Retry      RetryConfig      `yaml:"retry"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Encryption EncryptionConfig `yaml:"encryption"`
	HTTP       HTTPConfig       `yaml:"http"`
	Tracing    TracingConfig    `yaml:"tracing,omitempty"`
}

// TracingConfig configures the distributed tracing provider wired into
// the HTTP facade, the orchestrator, and the step handler.
type TracingConfig struct {
	// Enabled turns on span export. Spans are always recorded in-process
	// (for parent/child linkage across a suspended run's resumptions)
	// regardless of this setting; Enabled only gates whether they leave
	// the process.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// ServiceName identifies this deployment in exported spans. Defaults
	// to "workflow-runtime".
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`

	// Exporter is "none", "stdout", "otlp-grpc", or "otlp-http".
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty"`

	// Endpoint is the collector address, for Exporter "otlp-grpc"/"otlp-http".
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Insecure skips TLS when dialing the collector — local/dev only.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`

	// Headers are sent with every OTLP export request (e.g. an ingest API
	// key), for Exporter "otlp-grpc"/"otlp-http".
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format" json:"format"`

	// AddSource includes the calling file:line in every log record.
	AddSource bool `yaml:"add_source,omitempty" json:"add_source,omitempty"`
}

// StorageConfig selects and configures the World backend.
type StorageConfig struct {
	// Backend is "memory", "sqlite", or "postgres".
	Backend  string         `yaml:"backend" json:"backend"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
}

// SQLiteConfig configures a file-backed SQLite World or queue.
type SQLiteConfig struct {
	// Path is the database file, or ":memory:" for an ephemeral store.
	Path string `yaml:"path" json:"path"`

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool `yaml:"wal,omitempty" json:"wal,omitempty"`
}

// PostgresConfig configures a Postgres-backed World.
type PostgresConfig struct {
	// DSN is a libpq-style connection string.
	DSN string `yaml:"dsn" json:"dsn"`

	// MaxConns caps the pgxpool connection pool size.
	MaxConns int32 `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`
}

// QueueConfig selects and configures the durable queue backend.
type QueueConfig struct {
	// Backend is "memory" or "sqlite". Postgres deployments reuse the
	// SQLite queue rather than a dedicated Postgres one.
	Backend string       `yaml:"backend" json:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
}

// RetryConfig is the default retry policy applied to step invocations
// that don't override it — see stephandler.RetryPolicy.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BackoffSeconds is the server-error retry backoff schedule, one
	// entry per retry. Fewer entries than MaxRetries repeats the last.
	BackoffSeconds []int `yaml:"backoff_seconds" json:"backoff_seconds"`
}

// ThrottleConfig bounds how long a 429 response is allowed to delay a
// step before the handler gives up and reschedules the message instead.
type ThrottleConfig struct {
	// MaxWaitSeconds is the longest Retry-After this process sleeps
	// through in-process; anything longer yields a timeout Result.
	MaxWaitSeconds int `yaml:"max_wait_seconds" json:"max_wait_seconds"`
}

// EncryptionConfig selects where the per-deployment encryption master
// secret comes from. The World backend derives per-run keys from it via
// HKDF; a zero-value Source leaves new runs unencrypted.
type EncryptionConfig struct {
	// Source is "", "env", "file", "aws-secretsmanager", or "keychain".
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// EnvVar names the environment variable holding the master secret,
	// for Source "env". Defaults to WKF_MASTER_SECRET.
	EnvVar string `yaml:"env_var,omitempty" json:"env_var,omitempty"`

	// FilePath is the master-key file, for Source "file". Defaults to
	// ConfigDir()/master.key.
	FilePath string `yaml:"file_path,omitempty" json:"file_path,omitempty"`

	// SecretID is the AWS Secrets Manager secret id or ARN for Source
	// "aws-secretsmanager", or the system keychain entry name for Source
	// "keychain".
	SecretID string `yaml:"secret_id,omitempty" json:"secret_id,omitempty"`
}

// HTTPConfig configures the public facade's HTTP listener.
type HTTPConfig struct {
	// BindAddress is the listen address, e.g. ":8080".
	BindAddress string          `yaml:"bind_address" json:"bind_address"`
	JWT         JWTConfig       `yaml:"jwt"`
	CORS        CORSConfig      `yaml:"cors,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// CORSConfig configures cross-origin access to the HTTP facade.
type CORSConfig struct {
	// Enabled turns on the CORS middleware. Off by default: most
	// deployments front the facade with a server-to-server caller, not a
	// browser.
	Enabled        bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

// RateLimitConfig bounds request throughput per authenticated caller (or
// per remote address, if JWT is disabled).
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	BurstSize         int     `yaml:"burst_size,omitempty" json:"burst_size,omitempty"`
}

// JWTConfig configures bearer-token authentication on the HTTP facade.
type JWTConfig struct {
	// SigningKeyEnv names the environment variable holding the HMAC
	// signing key. Empty disables authentication (local/dev only).
	SigningKeyEnv string `yaml:"signing_key_env,omitempty" json:"signing_key_env,omitempty"`

	// Issuer is the expected "iss" claim.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// ExpirySeconds bounds how long an issued token is accepted.
	ExpirySeconds int `yaml:"expiry_seconds,omitempty" json:"expiry_seconds,omitempty"`
}

// Default returns a Config with every field set to its zero-config
// default: in-memory storage and queue, unencrypted, no authentication.
// Suitable for local development and tests, not production deployment.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.DeploymentID == "" {
		cfg.DeploymentID = "local"
	}
	if cfg.SpecVersion == 0 {
		cfg.SpecVersion = 2
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Backend == "sqlite" && cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = defaultDataDir() + "/world.db"
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.Postgres.MaxConns == 0 {
		cfg.Storage.Postgres.MaxConns = 10
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = cfg.Storage.Backend
		if cfg.Queue.Backend == "postgres" {
			cfg.Queue.Backend = "sqlite"
		}
	}
	if cfg.Queue.Backend == "sqlite" && cfg.Queue.SQLite.Path == "" {
		cfg.Queue.SQLite.Path = defaultDataDir() + "/queue.db"
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if len(cfg.Retry.BackoffSeconds) == 0 {
		cfg.Retry.BackoffSeconds = []int{1, 2, 4}
	}
	if cfg.Throttle.MaxWaitSeconds == 0 {
		cfg.Throttle.MaxWaitSeconds = 10
	}
	if cfg.Encryption.Source == "env" && cfg.Encryption.EnvVar == "" {
		cfg.Encryption.EnvVar = "WKF_MASTER_SECRET"
	}
	if cfg.HTTP.BindAddress == "" {
		cfg.HTTP.BindAddress = ":8080"
	}
	if cfg.HTTP.JWT.ExpirySeconds == 0 {
		cfg.HTTP.JWT.ExpirySeconds = 3600
	}
	if cfg.DrainTimeoutSeconds == 0 {
		cfg.DrainTimeoutSeconds = 30
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "workflow-runtime"
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
}

// DrainTimeout converts DrainTimeoutSeconds into a time.Duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Load reads configPath (falling back to ConfigPath() when empty),
// applies defaults, and validates the result. A missing file at the
// default path is not an error: Load returns Default() instead.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		defaultPath, err := ConfigPath()
		if err != nil {
			return nil, &conductorerrors.ConfigError{Reason: "resolve default config path", Cause: err}
		}
		configPath = defaultPath
	}

	cfg := &Config{}
	if err := loadFromFile(cfg, configPath); err != nil {
		if os.IsNotExist(err) {
			cfg = Default()
		} else {
			return nil, &conductorerrors.ConfigError{Key: configPath, Reason: "load config file", Cause: err}
		}
	} else {
		applyDefaults(cfg)
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, &conductorerrors.ConfigError{Key: configPath, Reason: "validate config", Cause: err}
	}
	return cfg, nil
}

// LoadWithSecrets is Load plus resolution of the encryption master
// secret through the configured backend (env, file, or AWS Secrets
// Manager).
func LoadWithSecrets(ctx context.Context, configPath string) (*Config, []byte, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	secret, err := resolveMasterSecret(ctx, cfg.Encryption)
	if err != nil {
		return nil, nil, &conductorerrors.ConfigError{Key: "encryption.source", Reason: "resolve master secret", Cause: err}
	}
	return cfg, secret, nil
}

// resolveMasterSecret fetches the deployment's encryption master secret
// per cfg.Source. A zero-value Source is not an error: it means new runs
// are written unencrypted.
func resolveMasterSecret(ctx context.Context, cfg EncryptionConfig) ([]byte, error) {
	switch cfg.Source {
	case "":
		return nil, nil
	case "env":
		envVar := cfg.EnvVar
		if envVar == "" {
			envVar = "WKF_MASTER_SECRET"
		}
		value := os.Getenv(envVar)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", envVar)
		}
		return []byte(value), nil
	case "file":
		path := cfg.FilePath
		if path == "" {
			dir, err := ConfigDir()
			if err != nil {
				return nil, fmt.Errorf("resolve config dir: %w", err)
			}
			path = dir + "/master.key"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read master key file %s: %w", path, err)
		}
		return data, nil
	case "aws-secretsmanager":
		if cfg.SecretID == "" {
			return nil, errors.New("encryption.secret_id is required for source aws-secretsmanager")
		}
		backend := secrets.NewAWSSecretsManagerBackend(ctx)
		value, err := backend.Get(ctx, cfg.SecretID)
		if err != nil {
			return nil, err
		}
		return []byte(value), nil
	case "keychain":
		if cfg.SecretID == "" {
			return nil, errors.New("encryption.secret_id is required for source keychain")
		}
		backend := secrets.NewKeychainBackend()
		if !backend.Available() {
			return nil, fmt.Errorf("system keychain is not available on this host")
		}
		value, err := backend.Get(ctx, cfg.SecretID)
		if err != nil {
			return nil, err
		}
		return []byte(value), nil
	default:
		return nil, fmt.Errorf("unknown encryption source %q", cfg.Source)
	}
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv applies WKF_* environment overrides on top of whatever
// Load already read from file/defaults — file first, environment last.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("WKF_DEPLOYMENT_ID"); v != "" {
		cfg.DeploymentID = v
	}
	if v := os.Getenv("WKF_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WKF_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("WKF_STORAGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("WKF_STORAGE_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("WKF_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("WKF_ENCRYPTION_SOURCE"); v != "" {
		cfg.Encryption.Source = v
	}
	if v := os.Getenv("WKF_HTTP_BIND_ADDRESS"); v != "" {
		cfg.HTTP.BindAddress = v
	}
	if v := os.Getenv("WKF_RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = n
		}
	}
}

// Validate checks that Config describes a consistent, startable process.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("%w: storage.sqlite.path is required for backend \"sqlite\"", ErrInvalidConfig)
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("%w: storage.postgres.dsn is required for backend \"postgres\"", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	switch c.Queue.Backend {
	case "memory":
	case "sqlite":
		if c.Queue.SQLite.Path == "" {
			return fmt.Errorf("%w: queue.sqlite.path is required for backend \"sqlite\"", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown queue backend %q", ErrInvalidConfig, c.Queue.Backend)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: retry.max_retries must be >= 0", ErrInvalidConfig)
	}
	if c.Throttle.MaxWaitSeconds < 0 {
		return fmt.Errorf("%w: throttle.max_wait_seconds must be >= 0", ErrInvalidConfig)
	}

	switch c.Encryption.Source {
	case "", "env", "file":
	case "aws-secretsmanager":
		if c.Encryption.SecretID == "" {
			return fmt.Errorf("%w: encryption.secret_id is required for source \"aws-secretsmanager\"", ErrInvalidConfig)
		}
	case "keychain":
		if c.Encryption.SecretID == "" {
			return fmt.Errorf("%w: encryption.secret_id is required for source \"keychain\"", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown encryption source %q", ErrInvalidConfig, c.Encryption.Source)
	}

	if c.HTTP.BindAddress == "" {
		return fmt.Errorf("%w: http.bind_address must not be empty", ErrInvalidConfig)
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp-grpc", "otlp-http":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("%w: tracing.endpoint is required for exporter %q", ErrInvalidConfig, c.Tracing.Exporter)
		}
	default:
		return fmt.Errorf("%w: unknown tracing exporter %q", ErrInvalidConfig, c.Tracing.Exporter)
	}

	return nil
}

// RetryBackoff converts RetryConfig.BackoffSeconds into the []time.Duration
// shape stephandler.RetryPolicy expects, repeating the last entry if the
// schedule is shorter than MaxRetries.
func (c *Config) RetryBackoff() []time.Duration {
	if len(c.Retry.BackoffSeconds) == 0 {
		return nil
	}
	out := make([]time.Duration, c.Retry.MaxRetries)
	for i := range out {
		secs := c.Retry.BackoffSeconds[len(c.Retry.BackoffSeconds)-1]
		if i < len(c.Retry.BackoffSeconds) {
			secs = c.Retry.BackoffSeconds[i]
		}
		out[i] = time.Duration(secs) * time.Second
	}
	return out
}

func defaultDataDir() string {
	dir, err := ConfigDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		return "."
	}
	return dir
}
