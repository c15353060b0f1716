// internal/config/config.go
//
// This package handles configuration and the .reelflow directory structure.
// Every project that runs reelflow gets a .reelflow/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectDir is the name of the directory we create in each project
	ProjectDir = ".reelflow"

	// ConfigFile is the project configuration inside ProjectDir.
	ConfigFile = "config.yaml"

	defaultTemplateID  = "video-production"
	defaultMaxParallel = 4
	defaultBufferSize  = 256
)

// templateExecutors are the executor names the stock template refers to.
var templateExecutors = []string{"script", "voiceover", "visuals", "music", "thumbnail", "assemble", "qc", "publish", "report"}

const defaultProjectConfigYAML = `# reelflow project configuration
version: 1

engine:
  max_parallel: 4
  store_retry:
    max_attempts: 3
    base: 100ms
    cap: 2s

# Default retry shape for stages that declare none.
retry:
  max_attempts: 3
  base: 2s
  cap: 60s
  jitter: 0.5

# Per-attempt timeouts keyed by stage id or executor name.
timeouts:
  placeholder: 30s

store:
  backend: file
  # backend: minio
  # minio:
  #   endpoint: localhost:9000
  #   bucket: reelflow-manifests
  #   access_key: ${MINIO_ACCESS_KEY}
  #   secret_key: ${MINIO_SECRET_KEY}

events:
  buffer_size: 256

telemetry:
  exporter: none
  # exporter: otlp
  # endpoint: localhost:4317
  # insecure: true
  # metrics_addr: ":9090"

# Every stage of the stock template starts on the placeholder executor.
# Swap in type: command entries as real providers become available.
executors:
  placeholder: {type: placeholder}
  script: {type: placeholder}
  voiceover: {type: placeholder}
  visuals: {type: placeholder}
  music: {type: placeholder}
  thumbnail: {type: placeholder}
  assemble: {type: placeholder}
  qc: {type: placeholder}
  publish: {type: placeholder}
  report: {type: placeholder}

# Alternate executors tried once after a stage exhausts its retries.
fallbacks: {}

templates:
  default: video-production
  dir: .reelflow/templates
`

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	MaxParallel int         `yaml:"max_parallel"`
	StoreRetry  RetryConfig `yaml:"store_retry"`
}

// RetryConfig is a backoff shape. Zero fields fall back to the engine
// defaults.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	Jitter      float64       `yaml:"jitter"`
}

// MinIOConfig addresses an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`
}

// StoreConfig selects the manifest backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path,omitempty"`
	MinIO   MinIOConfig `yaml:"minio,omitempty"`
}

// EventsConfig controls the event tracer and its sinks.
type EventsConfig struct {
	BufferSize     int  `yaml:"buffer_size"`
	DisableJSONL   bool `yaml:"disable_jsonl,omitempty"`
	DisableLogbook bool `yaml:"disable_logbook,omitempty"`
}

// TelemetryConfig configures tracing export and the metrics endpoint.
type TelemetryConfig struct {
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Insecure    bool              `yaml:"insecure,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	SampleRatio float64           `yaml:"sample_ratio,omitempty"`
	ServiceName string            `yaml:"service_name,omitempty"`
	Environment string            `yaml:"environment,omitempty"`
	MetricsAddr string            `yaml:"metrics_addr,omitempty"`
}

// ExecutorConfig declares one named task executor.
type ExecutorConfig struct {
	Type               string            `yaml:"type"`
	Command            string            `yaml:"command,omitempty"`
	Args               []string          `yaml:"args,omitempty"`
	Env                map[string]string `yaml:"env,omitempty"`
	Dir                string            `yaml:"dir,omitempty"`
	TransientExitCodes []int             `yaml:"transient_exit_codes,omitempty"`
}

// TemplatesConfig locates pipeline templates.
type TemplatesConfig struct {
	Default string `yaml:"default"`
	Dir     string `yaml:"dir,omitempty"`
}

// ProjectConfig models .reelflow/config.yaml.
type ProjectConfig struct {
	Version   int                       `yaml:"version"`
	Engine    EngineConfig              `yaml:"engine"`
	Retry     RetryConfig               `yaml:"retry"`
	Timeouts  map[string]time.Duration  `yaml:"timeouts,omitempty"`
	Store     StoreConfig               `yaml:"store"`
	Events    EventsConfig              `yaml:"events"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Executors map[string]ExecutorConfig `yaml:"executors,omitempty"`
	Fallbacks map[string]string         `yaml:"fallbacks,omitempty"`
	Templates TemplatesConfig           `yaml:"templates"`
}

// Config holds the runtime configuration for reelflow.
type Config struct {
	// ProjectDir is the directory where the user ran `reelflow` from
	ProjectDir string

	// StateDir is ProjectDir/.reelflow
	StateDir string

	Project ProjectConfig
}

// Init creates the .reelflow directory structure in the given project
// directory and writes a commented default config when none exists.
//
// Structure created:
// .reelflow/
// ├── config.yaml
// ├── logs/       <- process log
// ├── jobs/       <- manifests, versions, events.jsonl, journal.log
// ├── artifacts/  <- outputs written by built-in executors
// └── templates/  <- project pipeline templates (*.yaml)
func Init(projectDir string) error {
	stateDir := filepath.Join(projectDir, ProjectDir)
	dirs := []string{
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "jobs"),
		filepath.Join(stateDir, "artifacts"),
		filepath.Join(stateDir, "templates"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureProjectConfig(filepath.Join(stateDir, ConfigFile))
}

// Load reads .reelflow/config.yaml. A missing file yields defaults.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, ProjectDir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigPath returns the on-disk location for the project config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDir, ConfigFile)
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// JobsDir returns the directory holding per-job manifests and event logs.
func (c *Config) JobsDir() string {
	if c.Project.Store.Path != "" {
		return c.Project.Store.Path
	}
	return filepath.Join(c.StateDir, "jobs")
}

// ArtifactsDir returns where built-in executors write outputs.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.StateDir, "artifacts")
}

// TemplatesDir returns the project template directory.
func (c *Config) TemplatesDir() string {
	if c.Project.Templates.Dir != "" {
		return c.Project.Templates.Dir
	}
	return filepath.Join(c.StateDir, "templates")
}

// DefaultTemplate returns the configured default template id.
func (c *Config) DefaultTemplate() string {
	return c.Project.Templates.Default
}

func (c *Config) loadProjectConfig() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Engine.MaxParallel == 0 {
		pc.Engine.MaxParallel = defaultMaxParallel
	}
	if pc.Store.Backend == "" {
		pc.Store.Backend = "file"
	}
	if pc.Events.BufferSize == 0 {
		pc.Events.BufferSize = defaultBufferSize
	}
	if pc.Telemetry.Exporter == "" {
		pc.Telemetry.Exporter = "none"
	}
	if pc.Telemetry.ServiceName == "" {
		pc.Telemetry.ServiceName = "reelflow"
	}
	if pc.Templates.Default == "" {
		pc.Templates.Default = defaultTemplateID
	}
	if pc.Timeouts == nil {
		pc.Timeouts = map[string]time.Duration{}
	}
	if len(pc.Executors) == 0 {
		pc.Executors = map[string]ExecutorConfig{}
		for _, name := range templateExecutors {
			pc.Executors[name] = ExecutorConfig{Type: "placeholder"}
		}
	}
	if _, ok := pc.Executors["placeholder"]; !ok {
		pc.Executors["placeholder"] = ExecutorConfig{Type: "placeholder"}
	}
	if pc.Fallbacks == nil {
		pc.Fallbacks = map[string]string{}
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Store.Backend = normalizeName(pc.Store.Backend)
	pc.Store.Path = resolvePath(base, pc.Store.Path)
	pc.Store.MinIO.Endpoint = strings.TrimSpace(os.ExpandEnv(pc.Store.MinIO.Endpoint))
	pc.Store.MinIO.AccessKey = os.ExpandEnv(pc.Store.MinIO.AccessKey)
	pc.Store.MinIO.SecretKey = os.ExpandEnv(pc.Store.MinIO.SecretKey)
	pc.Telemetry.Exporter = normalizeName(pc.Telemetry.Exporter)
	pc.Telemetry.Endpoint = strings.TrimSpace(os.ExpandEnv(pc.Telemetry.Endpoint))
	for key, value := range pc.Telemetry.Headers {
		pc.Telemetry.Headers[key] = os.ExpandEnv(value)
	}
	for name, exec := range pc.Executors {
		exec.Type = normalizeName(exec.Type)
		exec.Command = strings.TrimSpace(exec.Command)
		exec.Dir = resolvePath(base, exec.Dir)
		for key, value := range exec.Env {
			exec.Env[key] = os.ExpandEnv(value)
		}
		pc.Executors[name] = exec
	}
	for key, value := range pc.Fallbacks {
		pc.Fallbacks[key] = strings.TrimSpace(value)
	}
	pc.Templates.Default = strings.TrimSpace(pc.Templates.Default)
	pc.Templates.Dir = resolvePath(base, pc.Templates.Dir)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine.max_parallel must be >= 0")
	}
	if err := pc.Engine.StoreRetry.validate(); err != nil {
		return fmt.Errorf("engine.store_retry: %w", err)
	}
	if err := pc.Retry.validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	for key, value := range pc.Timeouts {
		if value < 0 {
			return fmt.Errorf("timeouts[%s] must be >= 0", key)
		}
	}
	switch pc.Store.Backend {
	case "file", "memory":
	case "minio":
		if pc.Store.MinIO.Endpoint == "" {
			return fmt.Errorf("store.minio.endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("store.backend must be 'file', 'memory' or 'minio'")
	}
	if pc.Events.BufferSize < 0 {
		return fmt.Errorf("events.buffer_size must be >= 0")
	}
	switch pc.Telemetry.Exporter {
	case "none", "stdout", "otlp", "otlphttp":
	default:
		return fmt.Errorf("telemetry.exporter must be one of none, stdout, otlp, otlphttp")
	}
	if pc.Telemetry.SampleRatio < 0 || pc.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	for name, exec := range pc.Executors {
		if err := exec.validate(); err != nil {
			return fmt.Errorf("executors[%s]: %w", name, err)
		}
	}
	for stage, alt := range pc.Fallbacks {
		if alt == "" {
			return fmt.Errorf("fallbacks[%s] is empty", stage)
		}
	}
	if pc.Templates.Default == "" {
		return fmt.Errorf("templates.default is required")
	}
	return nil
}

func (rc RetryConfig) validate() error {
	if rc.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if rc.Base < 0 || rc.Cap < 0 {
		return fmt.Errorf("base and cap must be >= 0")
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1")
	}
	return nil
}

func (ec ExecutorConfig) validate() error {
	switch ec.Type {
	case "placeholder":
		return nil
	case "command":
		if ec.Command == "" {
			return fmt.Errorf("command is required for command executors")
		}
		return nil
	default:
		return fmt.Errorf("type must be 'placeholder' or 'command'")
	}
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
