// Package config loads and validates the host configuration file.
//
// Configuration is a single YAML document. Every field has a working
// default, so a missing file yields a usable configuration rather than
// an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dshills/flowkit/internal/plugin"
	"github.com/dshills/flowkit/internal/plugin/security"
)

// DefaultFileName is the config file looked up in the working directory
// when no explicit path is given.
const DefaultFileName = "flowkit.yaml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the top-level host configuration.
type Config struct {
	LogLevel string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	Plugins  PluginsConfig `yaml:"plugins"`
}

// PluginsConfig configures the plugin subsystem.
type PluginsConfig struct {
	Enabled     bool     `yaml:"enabled"`
	SearchPaths []string `yaml:"search_paths" validate:"omitempty,dive,required"`

	// Watch enables hot reload of plugin sources.
	Watch bool `yaml:"watch"`

	// DefaultTimeoutSeconds bounds extension calls for plugins that do
	// not declare their own ceiling.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" validate:"gte=0,lte=600"`

	// MaxMemoryMB and MaxCPUPercent are advisory resource ceilings.
	MaxMemoryMB   float64 `yaml:"max_memory_mb" validate:"gte=0"`
	MaxCPUPercent float64 `yaml:"max_cpu_percent" validate:"gte=0,lte=100"`

	// MaxConsecutiveBreaches is how many consecutive ceiling breaches a
	// plugin survives before it is unloaded.
	MaxConsecutiveBreaches int `yaml:"max_consecutive_breaches" validate:"gte=0"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, _ := os.UserHomeDir()
	paths := []string{"plugins"}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".flowkit", "plugins"))
	}
	return Config{
		LogLevel: "info",
		Plugins: PluginsConfig{
			Enabled:                true,
			SearchPaths:            paths,
			DefaultTimeoutSeconds:  plugin.DefaultTimeoutSeconds,
			MaxMemoryMB:            512,
			MaxCPUPercent:          80,
			MaxConsecutiveBreaches: 3,
		},
	}
}

// Load reads the configuration at path, layered over Default. An empty
// path falls back to DefaultFileName; a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and reports the first set of
// violations in a readable form.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var joined []error
	for _, fe := range verrs {
		joined = append(joined, fmt.Errorf("field %s fails %q", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(joined...)
}

// ManagerConfig converts the plugin section for the plugin manager.
func (c Config) ManagerConfig() plugin.ManagerConfig {
	timeout := time.Duration(c.Plugins.DefaultTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = security.DefaultExecutionTimeout
	}
	return plugin.ManagerConfig{
		SearchPaths:            c.Plugins.SearchPaths,
		Enabled:                c.Plugins.Enabled,
		DefaultTimeout:         timeout,
		MaxMemoryMB:            c.Plugins.MaxMemoryMB,
		MaxCPUPercent:          c.Plugins.MaxCPUPercent,
		MaxConsecutiveBreaches: c.Plugins.MaxConsecutiveBreaches,
	}
}
