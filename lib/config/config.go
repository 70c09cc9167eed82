// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/hostsensor/lib/logging"
	"github.com/bureau-foundation/hostsensor/lib/probe"
)

// Environment variables read by Load.
const (
	EnvConfig   = "HOSTSENSOR_CONFIG"
	EnvSocket   = "HOSTSENSOR_SOCKET"
	EnvLogLevel = "HOSTSENSOR_LOG_LEVEL"
)

// Default paths.
const (
	DefaultSocketPath = "/var/run/kernel_sensor"
	DefaultLockPath   = "/var/run/kernel_sensor.lock"
	DefaultProcRoot   = "/proc"
)

// Config is the sensor daemon's configuration.
type Config struct {
	// SensorID is returned in connect acknowledgements.
	SensorID string `yaml:"sensor_id"`

	// SocketPath is the listening Unix socket.
	SocketPath string `yaml:"socket_path"`

	// LockPath is the single-instance lock.
	LockPath string `yaml:"lock_path"`

	// PrintToLog logs every record rendered by a scheduled pass.
	PrintToLog bool `yaml:"print_to_log"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// Workers is the size of the probe scheduling pool.
	Workers int `yaml:"workers"`

	// MaxMessageSize bounds one formatted reply.
	MaxMessageSize int `yaml:"max_message_size"`

	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Probes ProbesConfig `yaml:"probes"`
}

// ProbesConfig configures the three probes.
type ProbesConfig struct {
	// ProcRoot is the procfs mount point the probes read.
	ProcRoot string `yaml:"proc_root"`

	Process     ProbeConfig       `yaml:"ps"`
	OpenFiles   OpenFilesConfig   `yaml:"lsof"`
	FileContent FileContentConfig `yaml:"sysfs"`
}

// ProbeConfig holds the settings every probe shares.
type ProbeConfig struct {
	Enabled bool   `yaml:"enabled"`
	ID      string `yaml:"id"`
	// Repeat is the number of scheduled passes; negative disables
	// scheduling.
	Repeat   int           `yaml:"repeat"`
	Interval time.Duration `yaml:"interval"`
	Level    string        `yaml:"level"`
	Capacity int           `yaml:"capacity"`
}

// OpenFilesConfig configures the lsof probe.
type OpenFilesConfig struct {
	ProbeConfig `yaml:",inline"`
	// Filter is all, uid, or pid.
	Filter   string `yaml:"filter"`
	FilterID uint32 `yaml:"filter_id"`
}

// FileContentConfig configures the sysfs probe.
type FileContentConfig struct {
	ProbeConfig  `yaml:",inline"`
	PathTemplate string `yaml:"path_template"`
	MaxSize      int    `yaml:"max_size"`
}

// Default returns the configuration used when no file is given: all
// three probes enabled with one pass each at the default level.
func Default() *Config {
	enabled := ProbeConfig{
		Enabled:  true,
		Repeat:   probe.DefaultRepeat,
		Interval: probe.DefaultInterval,
		Level:    probe.LevelDefault.String(),
		Capacity: probe.DefaultCapacity,
	}
	return &Config{
		SensorID:       "kernel-sensor",
		SocketPath:     DefaultSocketPath,
		LockPath:       DefaultLockPath,
		LogLevel:       "info",
		Workers:        2,
		MaxMessageSize: 1 << 20,
		WriteTimeout:   10 * time.Second,
		Probes: ProbesConfig{
			ProcRoot:  DefaultProcRoot,
			Process:   enabled,
			OpenFiles: OpenFilesConfig{ProbeConfig: enabled, Filter: "all"},
			FileContent: FileContentConfig{
				ProbeConfig:  enabled,
				PathTemplate: probe.DefaultPathTemplate,
				MaxSize:      probe.DefaultMaxFileSize,
			},
		},
	}
}

// Load loads the file named by HOSTSENSOR_CONFIG, or the defaults
// when it is unset, then applies environment overrides.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		config := Default()
		config.applyEnvironment()
		config.expandVariables()
		return config, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over the defaults. Files
// ending in .json or .jsonc may carry comments and trailing commas;
// anything else is YAML. Environment overrides and ${VAR} expansion
// are applied after the file.
func LoadFile(path string) (*Config, error) {
	config := Default()
	if err := config.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	config.applyEnvironment()
	config.expandVariables()
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is valid YAML, so the yaml tags apply to both.
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironment applies the HOSTSENSOR_SOCKET and
// HOSTSENSOR_LOG_LEVEL overrides.
func (c *Config) applyEnvironment() {
	if socket := os.Getenv(EnvSocket); socket != "" {
		c.SocketPath = socket
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = level
	}
}

func (c *Config) expandVariables() {
	c.SocketPath = expandVars(c.SocketPath)
	c.LockPath = expandVars(c.LockPath)
	c.Probes.ProcRoot = expandVars(c.Probes.ProcRoot)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.LockPath == "" {
		errs = append(errs, errors.New("lock_path is required"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxMessageSize < 256 {
		errs = append(errs, fmt.Errorf("max_message_size must be at least 256, got %d", c.MaxMessageSize))
	}

	probes := map[string]ProbeConfig{
		"ps":    c.Probes.Process,
		"lsof":  c.Probes.OpenFiles.ProbeConfig,
		"sysfs": c.Probes.FileContent.ProbeConfig,
	}
	for _, name := range []string{"ps", "lsof", "sysfs"} {
		settings := probes[name]
		if !settings.Enabled {
			continue
		}
		if _, err := probe.ParseLevel(settings.Level); err != nil {
			errs = append(errs, fmt.Errorf("probes.%s.level: %w", name, err))
		}
		if settings.Capacity < 1 {
			errs = append(errs, fmt.Errorf("probes.%s.capacity must be at least 1, got %d", name, settings.Capacity))
		}
		if settings.Interval <= 0 {
			errs = append(errs, fmt.Errorf("probes.%s.interval must be positive, got %s", name, settings.Interval))
		}
	}
	if c.Probes.OpenFiles.Enabled {
		if _, err := probe.ParseFilter(c.Probes.OpenFiles.Filter, c.Probes.OpenFiles.FilterID); err != nil {
			errs = append(errs, fmt.Errorf("probes.lsof.filter: %w", err))
		}
	}
	if c.Probes.FileContent.Enabled && c.Probes.FileContent.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("probes.sysfs.max_size must be at least 1, got %d", c.Probes.FileContent.MaxSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Options converts shared probe settings into probe options.
func (p ProbeConfig) Options(root string, printToLog bool) (probe.Options, error) {
	level, err := probe.ParseLevel(p.Level)
	if err != nil {
		return probe.Options{}, err
	}
	return probe.Options{
		ID:         p.ID,
		Capacity:   p.Capacity,
		Repeat:     p.Repeat,
		Interval:   p.Interval,
		Level:      level,
		LevelSet:   true,
		Root:       root,
		PrintToLog: printToLog,
	}, nil
}
