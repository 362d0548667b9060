// Package config defines the validated server configuration the core
// consumes. Parsing lives at the edges (CLI flags in cmd/filed, an optional
// YAML file here); the core never reads flags or files itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid wraps every validation failure so callers can
// errors.Is-check the class without string matching.
var ErrConfigInvalid = errors.New("config: invalid")

// LogLevel is one of the four levels the launcher accepts on -l/--log-level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config is the fully-resolved, validated set of options the reactor,
// worker pool, connection table, and response builder are constructed
// from. Every field here corresponds to a CLI flag or config-file key.
type Config struct {
	// Network binding and admission.
	Port           int    `yaml:"port"`
	BindAddress    string `yaml:"bind_address"`
	Backlog        int    `yaml:"backlog"`
	MaxConnections int    `yaml:"max_connections"`

	// Worker pool.
	ThreadCount   int `yaml:"thread_count"`
	MaxQueueSize  int `yaml:"max_queue_size"`

	// Timeouts, given in seconds in the config file (no CLI flag sets
	// them) and stored resolved to time.Duration.
	ConnectionTimeout time.Duration `yaml:"-"`
	KeepAliveTimeout  time.Duration `yaml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-"`

	ConnectionTimeoutSeconds int `yaml:"connection_timeout"`
	KeepAliveTimeoutSeconds  int `yaml:"keep_alive_timeout"`
	ShutdownTimeoutSeconds   int `yaml:"shutdown_timeout"`

	// Filesystem.
	DocumentRoot string `yaml:"document_root"`
	TemplateDir  string `yaml:"template_dir"`
	MaxFileSize  int64  `yaml:"max_file_size"`
	BufferSize   int    `yaml:"buffer_size"`

	// Logging.
	LogLevel LogLevel `yaml:"log_level"`
	LogFile  string   `yaml:"log_file"`

	// Feature toggles. EnableGzip is accepted for wire compatibility with
	// the config surface but has no effect on the core (compression is a
	// non-goal).
	EnableSendfile  bool `yaml:"enable_sendfile"`
	EnableKeepalive bool `yaml:"enable_keepalive"`
	EnableGzip      bool `yaml:"enable_gzip"`
}

// Default returns the baseline configuration matching the CLI flags'
// documented defaults.
func Default() Config {
	return Config{
		Port:                     8888,
		BindAddress:              "0.0.0.0",
		Backlog:                  1024,
		MaxConnections:           1024,
		ThreadCount:              runtime.NumCPU(),
		MaxQueueSize:             0,
		ConnectionTimeoutSeconds: 60,
		KeepAliveTimeoutSeconds:  15,
		ShutdownTimeoutSeconds:   10,
		DocumentRoot:             "./filedir",
		TemplateDir:              "",
		MaxFileSize:              1 << 30,
		BufferSize:               64 * 1024,
		LogLevel:                 LevelInfo,
		LogFile:                  "",
		EnableSendfile:           true,
		EnableKeepalive:          true,
		EnableGzip:               false,
	}
}

// LoadFile merges a YAML config file onto base, returning the merged
// result. Only keys present in the file override base's fields.
func LoadFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("%w: reading config file: %v", ErrConfigInvalid, err)
	}
	merged := base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return base, fmt.Errorf("%w: parsing config file: %v", ErrConfigInvalid, err)
	}
	return merged, nil
}

// Resolve converts the *_Seconds integer fields into time.Duration fields
// and must be called once flags/file merging is complete and before
// Validate.
func (c *Config) Resolve() {
	c.ConnectionTimeout = time.Duration(c.ConnectionTimeoutSeconds) * time.Second
	c.KeepAliveTimeout = time.Duration(c.KeepAliveTimeoutSeconds) * time.Second
	c.ShutdownTimeout = time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Validate reports every structural problem with c that would prevent the
// reactor from starting: bad ports, non-positive pool/timeout settings, or
// a document root that doesn't exist.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfigInvalid, c.Port)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("%w: backlog must be positive", ErrConfigInvalid)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max_connections must be positive", ErrConfigInvalid)
	}
	if c.ThreadCount <= 0 {
		return fmt.Errorf("%w: thread_count must be positive", ErrConfigInvalid)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: max_queue_size must not be negative", ErrConfigInvalid)
	}
	if c.ConnectionTimeoutSeconds <= 0 || c.KeepAliveTimeoutSeconds <= 0 || c.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrConfigInvalid)
	}
	info, err := os.Stat(c.DocumentRoot)
	if err != nil {
		return fmt.Errorf("%w: document_root %q: %v", ErrConfigInvalid, c.DocumentRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: document_root %q is not a directory", ErrConfigInvalid, c.DocumentRoot)
	}
	switch c.LogLevel {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("%w: log_level %q unrecognized", ErrConfigInvalid, c.LogLevel)
	}
	return nil
}
