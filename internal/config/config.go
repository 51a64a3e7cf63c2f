package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"codemode-runtime/internal/monitor"
	"codemode-runtime/internal/policy"
	"codemode-runtime/internal/sandbox"
	"codemode-runtime/internal/store"
)

// DefaultPath is used when CODEMODE_CONFIG is unset.
const DefaultPath = "configs/config.yaml"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Sandbox   SandboxConfig         `yaml:"sandbox"`
	Execution ExecutionConfig       `yaml:"execution"`
	Store     store.Config          `yaml:"store"`
	Database  DatabaseConfig        `yaml:"database"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Tracing   monitor.TracingConfig `yaml:"tracing"`
	Security  SecurityConfig        `yaml:"security"`
	TLS       TLSConfig             `yaml:"tls"`
	Logging   LoggingConfig         `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend        string `yaml:"backend"` // "process" (default) or "docker"
	MaxConcurrent  int    `yaml:"max_concurrent"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	DockerImage    string `yaml:"docker_image"`
}

// ExecutionConfig holds the defaults applied to a request that leaves an
// option unset.
type ExecutionConfig struct {
	TimeoutSeconds     int      `yaml:"timeout_seconds"`
	MaxTimeoutSeconds  int      `yaml:"max_timeout_seconds"`
	MemoryLimitMB      int      `yaml:"memory_limit_mb"`
	AllowedDirectories []string `yaml:"allowed_directories"`
	AllowedImports     []string `yaml:"allowed_imports"`
	MaskSecrets        bool     `yaml:"mask_secrets"`
	AggressiveMasking  bool     `yaml:"aggressive_masking"`
}

// DatabaseConfig points at the PostgreSQL audit log. An empty DSN disables it.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AuditBuffer int    `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or env
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Resolve builds the effective configuration: .env, then the YAML file,
// then environment overrides. A missing file at the default path is not an
// error.
func Resolve(path string) (*Config, error) {
	LoadDotEnv(".env")

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CODEMODE_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg, err := Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = DefaultConfig()
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set.
func LoadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("ignoring unreadable env file")
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    policy.MaxTimeoutSeconds*time.Second + 30*time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Sandbox: SandboxConfig{
			Backend:        sandbox.BackendProcess,
			MaxConcurrent:  16,
			MaxOutputBytes: 1 << 20,
			DockerImage:    sandbox.DefaultDockerImage,
		},
		Execution: ExecutionConfig{
			TimeoutSeconds:    policy.DefaultTimeoutSeconds,
			MaxTimeoutSeconds: policy.MaxTimeoutSeconds,
			MemoryLimitMB:     policy.DefaultMemoryLimitMB,
			MaskSecrets:       true,
		},
		Store: store.Config{
			Backend:  store.BackendFile,
			StateDir: defaultStateDir(),
		},
		Database: DatabaseConfig{
			AuditBuffer: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: monitor.TracingConfig{
			Enabled:    false,
			SampleRate: 0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "codemode")
	}
	return filepath.Join(os.TempDir(), "codemode")
}

// ApplyEnv overrides fields from environment variables. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", key, v)
		}
		*dst = b
		return nil
	}

	if v := getenv("CODEMODE_ALLOWED_DIRECTORIES"); strings.TrimSpace(v) != "" {
		c.Execution.AllowedDirectories = policy.SplitList(v)
	}
	if v := getenv("CODEMODE_ALLOWED_IMPORTS"); strings.TrimSpace(v) != "" {
		c.Execution.AllowedImports = policy.SplitList(v)
	}
	if err := setBool("CODEMODE_MASK_SECRETS", &c.Execution.MaskSecrets); err != nil {
		return err
	}
	if err := setBool("CODEMODE_AGGRESSIVE_MASKING", &c.Execution.AggressiveMasking); err != nil {
		return err
	}
	if err := setInt("CODEMODE_TIMEOUT_SECONDS", &c.Execution.TimeoutSeconds); err != nil {
		return err
	}
	if err := setInt("CODEMODE_MEMORY_LIMIT_MB", &c.Execution.MemoryLimitMB); err != nil {
		return err
	}
	setString("CODEMODE_STATE_DIR", &c.Store.StateDir)
	setString("CODEMODE_STORE_BACKEND", &c.Store.Backend)
	setString("CODEMODE_STORE_DSN", &c.Store.DSN)
	setString("CODEMODE_REDIS_ADDR", &c.Store.RedisAddr)
	setString("CODEMODE_REDIS_PASSWORD", &c.Store.RedisPassword)
	setString("CODEMODE_SANDBOX_BACKEND", &c.Sandbox.Backend)
	setString("CODEMODE_DATABASE_DSN", &c.Database.DSN)
	setString("CODEMODE_LOG_LEVEL", &c.Logging.Level)
	if v := strings.TrimSpace(getenv("CODEMODE_API_KEYS")); v != "" {
		c.Security.AllowedKeys = strings.Split(v, ",")
	}
	return setInt("PORT", &c.Server.Port)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case sandbox.BackendProcess, sandbox.BackendDocker:
	default:
		return fmt.Errorf("sandbox.backend must be %q or %q, got %q",
			sandbox.BackendProcess, sandbox.BackendDocker, c.Sandbox.Backend)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxOutputBytes < 1 {
		return fmt.Errorf("sandbox.max_output_bytes must be >= 1")
	}

	e := c.Execution
	if e.MaxTimeoutSeconds < 1 || e.MaxTimeoutSeconds > policy.MaxTimeoutSeconds {
		return fmt.Errorf("execution.max_timeout_seconds must be 1-%d, got %d",
			policy.MaxTimeoutSeconds, e.MaxTimeoutSeconds)
	}
	if e.TimeoutSeconds < 1 || e.TimeoutSeconds > e.MaxTimeoutSeconds {
		return fmt.Errorf("execution.timeout_seconds (%d) must be 1-%d",
			e.TimeoutSeconds, e.MaxTimeoutSeconds)
	}
	if e.MemoryLimitMB < policy.MinMemoryLimitMB || e.MemoryLimitMB > policy.MaxMemoryLimitMB {
		return fmt.Errorf("execution.memory_limit_mb must be %d-%d, got %d",
			policy.MinMemoryLimitMB, policy.MaxMemoryLimitMB, e.MemoryLimitMB)
	}
	known := make(map[string]bool)
	for _, m := range policy.KnownModules() {
		known[m] = true
	}
	for _, m := range e.AllowedImports {
		if !known[m] {
			return fmt.Errorf("execution.allowed_imports: unknown module %q", m)
		}
	}
	for _, dir := range e.AllowedDirectories {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("execution.allowed_directories: %q must be an absolute path", dir)
		}
	}

	switch c.Store.Backend {
	case "", store.BackendFile, store.BackendSQLite:
		if c.Store.Backend != store.BackendSQLite && c.Store.StateDir == "" {
			return fmt.Errorf("store.state_dir is required for the file backend")
		}
	case store.BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Security.RateLimitRPS < 0 || c.Security.RateLimitBurst < 0 {
		return fmt.Errorf("security rate limits must be >= 0")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, audit connections are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
