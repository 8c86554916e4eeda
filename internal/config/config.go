// Package config resolves pigeon's configuration from CLI flags, then
// environment variables, then a YAML file, then built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved, effective configuration for one process.
type Config struct {
	Cache    string `yaml:"cache"`
	Namespace string `yaml:"namespace"`
	Route    string `yaml:"route"`
	User     string `yaml:"user"`

	Worker struct {
		Route        string            `yaml:"route"`
		MaxJobs      int               `yaml:"max_jobs"`
		PollInterval time.Duration     `yaml:"poll_interval"`
		Debug        bool              `yaml:"debug"`
		RemoteEnv    map[string]string `yaml:"remote_env"`
		SourceBashrc bool              `yaml:"source_bashrc"`
	} `yaml:"worker"`

	AppendFsync bool `yaml:"append_fsync"`

	// path is where the file layer was loaded from, kept for Set to write
	// and for Reload to re-read the same file.
	path string
}

// defaults returns the built-in defaults, the lowest-precedence layer.
func defaults() Config {
	var c Config
	home, _ := os.UserHomeDir()
	c.Cache = filepath.Join(home, ".pigeon", "cache")
	c.Worker.MaxJobs = 4
	c.Worker.PollInterval = time.Second
	return c
}

// Path returns the default config file path: ~/.pigeon/config.yaml, unless
// overridden.
func Path() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pigeon", "config.yaml")
}

// Load resolves the effective config: defaults, overlaid by the YAML file
// (if present), overlaid by recognized environment variables. CLI flags are
// applied by the caller afterward, since they are pinned and must win over
// everything reload touches.
func Load(path string) (*Config, error) {
	c := defaults()
	c.path = path

	if data, err := os.ReadFile(path); err == nil {
		var overlay Config
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		applyFileOverlay(&c, overlay)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverlay(&c)
	return &c, nil
}

// applyFileOverlay merges non-zero fields from file onto c — a partial file
// (e.g. only worker.max_jobs set) does not wipe the rest.
func applyFileOverlay(c *Config, file Config) {
	if file.Cache != "" {
		c.Cache = file.Cache
	}
	if file.Namespace != "" {
		c.Namespace = file.Namespace
	}
	if file.Route != "" {
		c.Route = file.Route
	}
	if file.User != "" {
		c.User = file.User
	}
	if file.Worker.Route != "" {
		c.Worker.Route = file.Worker.Route
	}
	if file.Worker.MaxJobs != 0 {
		c.Worker.MaxJobs = file.Worker.MaxJobs
	}
	if file.Worker.PollInterval != 0 {
		c.Worker.PollInterval = file.Worker.PollInterval
	}
	if file.Worker.Debug {
		c.Worker.Debug = true
	}
	if len(file.Worker.RemoteEnv) > 0 {
		c.Worker.RemoteEnv = file.Worker.RemoteEnv
	}
	if file.Worker.SourceBashrc {
		c.Worker.SourceBashrc = true
	}
	if file.AppendFsync {
		c.AppendFsync = true
	}
}

func applyEnvOverlay(c *Config) {
	if v := os.Getenv("PIGEON_CACHE"); v != "" {
		c.Cache = v
	}
	if v := os.Getenv("PIGEON_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("PIGEON_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("PIGEON_ROUTE"); v != "" {
		c.Route = v
	}
	if v := os.Getenv("PIGEON_WORKER_ROUTE"); v != "" {
		c.Worker.Route = v
	}
	if v := os.Getenv("PIGEON_APPEND_FSYNC"); v != "" {
		c.AppendFsync = v == "always"
	}
	if v := os.Getenv("PIGEON_SOURCE_BASHRC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Worker.SourceBashrc = b
		}
	}
}

// Reload re-reads the file+env layers from the same path Load used. CLI
// flags are pinned by the caller and are not re-applied here.
func (c *Config) Reload() (*Config, error) {
	return Load(c.path)
}

// Get returns the string form of a dotted config key, for `pigeon config get`.
func (c *Config) Get(key string) (string, bool) {
	switch key {
	case "cache":
		return c.Cache, true
	case "namespace":
		return c.Namespace, true
	case "route":
		return c.Route, true
	case "worker.route":
		return c.Worker.Route, true
	case "worker.max_jobs":
		return strconv.Itoa(c.Worker.MaxJobs), true
	case "worker.poll_interval":
		return c.Worker.PollInterval.String(), true
	case "worker.debug":
		return strconv.FormatBool(c.Worker.Debug), true
	default:
		return "", false
	}
}

// Set writes key=value into the YAML file at c.path, creating it if needed.
func (c *Config) Set(key, value string) error {
	switch key {
	case "cache":
		c.Cache = value
	case "namespace":
		c.Namespace = value
	case "route":
		c.Route = value
	case "worker.route":
		c.Worker.Route = value
	case "worker.max_jobs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("worker.max_jobs must be an integer: %w", err)
		}
		c.Worker.MaxJobs = n
	case "worker.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("worker.poll_interval must be a duration: %w", err)
		}
		c.Worker.PollInterval = d
	case "worker.debug":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("worker.debug must be a bool: %w", err)
		}
		c.Worker.Debug = b
	default:
		return fmt.Errorf("unknown config key %q", key)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}
