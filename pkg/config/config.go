// Package config loads the caseval server configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values, exported for documentation and validation.
const (
	DefaultAddress            = ":8080"
	DefaultDatabasePath       = "caseval.db"
	DefaultLogDir             = "logs"
	DefaultInvokeTimeout      = 60 * time.Second
	DefaultConcurrency        = 1
	DefaultInvokeRateLimit    = 0 // requests/sec, 0 disables throttling
	DefaultCodeEvalTimeout    = 10 * time.Second
	DefaultCodeEvalInterpeter = "python3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete caseval configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Invoke   InvokeConfig   `yaml:"invoke"`
	CodeEval CodeEvalConfig `yaml:"code_eval"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// InvokeConfig controls model-under-test HTTP calls.
type InvokeConfig struct {
	Timeout Duration `yaml:"timeout"`
	// RateLimit bounds outgoing model requests per second across a run's
	// worker pool. Zero disables the limiter.
	RateLimit float64 `yaml:"rate_limit"`
}

// CodeEvalConfig controls the code evaluator sandbox.
type CodeEvalConfig struct {
	Interpreter string   `yaml:"interpreter"`
	Timeout     Duration `yaml:"timeout"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Address: DefaultAddress},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Logging:  LoggingConfig{Dir: DefaultLogDir, Level: "info"},
		Invoke:   InvokeConfig{Timeout: Duration(DefaultInvokeTimeout), RateLimit: DefaultInvokeRateLimit},
		CodeEval: CodeEvalConfig{Interpreter: DefaultCodeEvalInterpeter, Timeout: Duration(DefaultCodeEvalTimeout)},
	}
}

// Load reads configuration from the given YAML file. A missing file yields
// the defaults. Environment variables CASEVAL_ADDR and CASEVAL_DB override
// the listen address and database path.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if addr := os.Getenv("CASEVAL_ADDR"); addr != "" {
		cfg.Server.Address = addr
	}
	if db := os.Getenv("CASEVAL_DB"); db != "" {
		cfg.Database.Path = db
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = DefaultLogDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Invoke.Timeout <= 0 {
		c.Invoke.Timeout = Duration(DefaultInvokeTimeout)
	}
	if c.CodeEval.Interpreter == "" {
		c.CodeEval.Interpreter = DefaultCodeEvalInterpeter
	}
	if c.CodeEval.Timeout <= 0 {
		c.CodeEval.Timeout = Duration(DefaultCodeEvalTimeout)
	}
}
