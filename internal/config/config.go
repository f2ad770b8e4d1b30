// internal/config/config.go

// Package config handles configuration and the .forge directory structure.
// Every project that uses forge gets a .forge/ folder created in its root.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// ForgeDir is the name of the directory created in each project.
	ForgeDir = ".forge"

	// EnvPrefix marks environment overrides, e.g. FORGE_SERVER_PORT.
	EnvPrefix = "FORGE_"

	maxConfigFileSize = 1024 * 1024
)

const defaultProjectConfigYAML = `# forge project configuration
version: 1

specs:
  dir: .forge/specs
  watch: true

# backend: fs, s3 or memory
targets:
  backend: fs
  dir: generated
  s3:
    bucket: ""
    region: us-east-1
    prefix: ""

# driver: sqlite, postgres or memory
evidence:
  driver: sqlite
  dsn: ""

approvals:
  timeout: 15m
  poll_interval: 500ms
  store: memory
  redis:
    addr: localhost:6379
    prefix: forge:approvals
  default_authority: release-manager
  authorities:
    destructive: release-manager
  token_secret_env: FORGE_TOKEN_SECRET
  token_ttl: 12h

orchestrator:
  max_parallel: 4
  requester: forge

server:
  host: 127.0.0.1
  port: 7420
  rate_limit: 20
  burst: 40

logging:
  level: info
  format: console
  file: true

telemetry:
  metrics: true
  tracing:
    enabled: false
    endpoint: localhost:4317
    insecure: true
    service_name: forge

rules:
  dir: .forge/rules
`

// SpecsConfig locates contract documents.
type SpecsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// S3Config selects the bucket for the s3 target backend.
type S3Config struct {
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	Prefix   string `koanf:"prefix"`
}

// TargetsConfig selects the target registry.
type TargetsConfig struct {
	Backend string   `koanf:"backend"`
	Dir     string   `koanf:"dir"`
	S3      S3Config `koanf:"s3"`
}

// EvidenceConfig selects the evidence store.
type EvidenceConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// RedisConfig addresses the shared approval store.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// ApprovalsConfig configures the approval gate. Authorities maps a risk
// class to the one authority allowed to decide it.
type ApprovalsConfig struct {
	Timeout          time.Duration     `koanf:"timeout"`
	PollInterval     time.Duration     `koanf:"poll_interval"`
	Store            string            `koanf:"store"`
	Redis            RedisConfig       `koanf:"redis"`
	DefaultAuthority string            `koanf:"default_authority"`
	Authorities      map[string]string `koanf:"authorities"`
	TokenSecretEnv   string            `koanf:"token_secret_env"`
	TokenTTL         time.Duration     `koanf:"token_ttl"`
}

// TokenSecret reads the bearer token signing secret from the environment.
func (a ApprovalsConfig) TokenSecret() []byte {
	return []byte(strings.TrimSpace(os.Getenv(a.TokenSecretEnv)))
}

// OrchestratorConfig bounds batch execution.
type OrchestratorConfig struct {
	MaxParallel int    `koanf:"max_parallel"`
	Requester   string `koanf:"requester"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	RateLimit       float64       `koanf:"rate_limit"`
	Burst           int           `koanf:"burst"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL returns the base URL clients should use.
func (s ServerConfig) URL() string {
	host := s.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   bool   `koanf:"file"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics bool          `koanf:"metrics"`
	Tracing TracingConfig `koanf:"tracing"`
}

// RulesConfig locates rule plugins.
type RulesConfig struct {
	Dir string `koanf:"dir"`
}

// ProjectConfig models .forge/config.yaml.
type ProjectConfig struct {
	Version      int                `koanf:"version"`
	Specs        SpecsConfig        `koanf:"specs"`
	Targets      TargetsConfig      `koanf:"targets"`
	Evidence     EvidenceConfig     `koanf:"evidence"`
	Approvals    ApprovalsConfig    `koanf:"approvals"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Rules        RulesConfig        `koanf:"rules"`
}

// Config holds the runtime configuration for forge.
type Config struct {
	// ProjectDir is the directory forge was started in.
	ProjectDir string

	// ForgeProjectDir is ProjectDir/.forge
	ForgeProjectDir string

	Project ProjectConfig
}

// InitForgeDir creates the .forge directory structure in projectDir.
//
// Structure created:
// .forge/
// ├── specs/     <- contract documents, one <id>.yaml each
// ├── rules/     <- rule plugins (YAML or Go)
// ├── evidence/  <- SQLite evidence store
// ├── state/     <- batch status snapshots
// ├── journal/   <- per-batch JSON-lines journals
// └── logs/      <- process log
func InitForgeDir(projectDir string) error {
	forgeDir := filepath.Join(projectDir, ForgeDir)
	dirs := []string{
		filepath.Join(forgeDir, "specs"),
		filepath.Join(forgeDir, "rules"),
		filepath.Join(forgeDir, "evidence"),
		filepath.Join(forgeDir, "state"),
		filepath.Join(forgeDir, "journal"),
		filepath.Join(forgeDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(forgeDir, "config.yaml"))
}

// Load reads .forge/config.yaml (when present) and applies FORGE_*
// environment overrides on top. Precedence: environment, file, defaults.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", projectDir, err)
	}
	cfg := &Config{
		ProjectDir:      abs,
		ForgeProjectDir: filepath.Join(abs, ForgeDir),
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultProjectConfigYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	data, err := readConfigFile(cfg.ProjectConfigPath())
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfg.ProjectConfigPath(), err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	if err := k.Unmarshal("", &cfg.Project); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Project.applyDefaults()
	cfg.Project.normalize(abs)
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// envKey maps FORGE_SECTION_FIELD_NAME to section.field_name.
func envKey(name string) string {
	lower := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config: %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return data, nil
}

// SpecsDir returns the contract directory.
func (c *Config) SpecsDir() string {
	return c.Project.Specs.Dir
}

// TargetsDir returns the root of the filesystem target registry.
func (c *Config) TargetsDir() string {
	return c.Project.Targets.Dir
}

// RulesDir returns the rule plugin directory.
func (c *Config) RulesDir() string {
	return c.Project.Rules.Dir
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ForgeProjectDir, "logs")
}

// StateDir returns the directory holding batch snapshots.
func (c *Config) StateDir() string {
	return filepath.Join(c.ForgeProjectDir, "state")
}

// JournalDir returns the directory holding batch journals.
func (c *Config) JournalDir() string {
	return filepath.Join(c.ForgeProjectDir, "journal")
}

// EvidenceDSN returns the evidence store DSN, defaulting to the project's
// SQLite file.
func (c *Config) EvidenceDSN() string {
	if c.Project.Evidence.DSN != "" {
		return c.Project.Evidence.DSN
	}
	return filepath.Join(c.ForgeProjectDir, "evidence", "evidence.db")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.ForgeProjectDir, "config.yaml")
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Approvals.Timeout <= 0 {
		pc.Approvals.Timeout = 15 * time.Minute
	}
	if pc.Approvals.PollInterval <= 0 {
		pc.Approvals.PollInterval = 500 * time.Millisecond
	}
	if pc.Approvals.TokenTTL <= 0 {
		pc.Approvals.TokenTTL = 12 * time.Hour
	}
	if pc.Approvals.Authorities == nil {
		pc.Approvals.Authorities = map[string]string{}
	}
	if pc.Orchestrator.Requester == "" {
		pc.Orchestrator.Requester = "forge"
	}
	if pc.Server.ReadTimeout <= 0 {
		pc.Server.ReadTimeout = 30 * time.Second
	}
	if pc.Server.WriteTimeout < 0 {
		pc.Server.WriteTimeout = 0
	}
	if pc.Server.ShutdownTimeout <= 0 {
		pc.Server.ShutdownTimeout = 10 * time.Second
	}
	if pc.Telemetry.Tracing.ServiceName == "" {
		pc.Telemetry.Tracing.ServiceName = "forge"
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Specs.Dir = resolvePath(base, pc.Specs.Dir)
	pc.Rules.Dir = resolvePath(base, pc.Rules.Dir)
	pc.Targets.Backend = normalizeName(pc.Targets.Backend)
	pc.Targets.Dir = resolvePath(base, pc.Targets.Dir)
	pc.Evidence.Driver = normalizeName(pc.Evidence.Driver)
	pc.Approvals.Store = normalizeName(pc.Approvals.Store)
	pc.Approvals.DefaultAuthority = strings.TrimSpace(pc.Approvals.DefaultAuthority)
	authorities := make(map[string]string, len(pc.Approvals.Authorities))
	for class, id := range pc.Approvals.Authorities {
		if id = strings.TrimSpace(id); id != "" {
			authorities[normalizeName(class)] = id
		}
	}
	pc.Approvals.Authorities = authorities
	pc.Logging.Level = normalizeName(pc.Logging.Level)
	pc.Logging.Format = normalizeName(pc.Logging.Format)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.Targets.Backend {
	case "fs":
		if pc.Targets.Dir == "" {
			return fmt.Errorf("targets.dir is required for the fs backend")
		}
	case "s3":
		if strings.TrimSpace(pc.Targets.S3.Bucket) == "" {
			return fmt.Errorf("targets.s3.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("targets.backend must be 'fs', 's3' or 'memory'")
	}
	switch pc.Evidence.Driver {
	case "sqlite", "memory":
	case "postgres":
		if pc.Evidence.DSN == "" {
			return fmt.Errorf("evidence.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("evidence.driver must be 'sqlite', 'postgres' or 'memory'")
	}
	switch pc.Approvals.Store {
	case "memory":
	case "redis":
		if strings.TrimSpace(pc.Approvals.Redis.Addr) == "" {
			return fmt.Errorf("approvals.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("approvals.store must be 'memory' or 'redis'")
	}
	if pc.Approvals.DefaultAuthority == "" && len(pc.Approvals.Authorities) == 0 {
		return fmt.Errorf("approvals needs a default_authority or at least one authority")
	}
	if pc.Orchestrator.MaxParallel < 0 {
		return fmt.Errorf("orchestrator.max_parallel must be >= 0")
	}
	if pc.Server.Port <= 0 || pc.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", pc.Server.Port)
	}
	switch pc.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}
	return nil
}

func normalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
