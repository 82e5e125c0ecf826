// Package config loads and validates the fuzzer configuration.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the full set of recognised options. Flags in cmd/minilop overlay
// any field loaded from a YAML file.
type Config struct {
	TargetBinary  string   `yaml:"target_binary"`
	TargetArgs    []string `yaml:"target_args"`
	SeedsFolder   string   `yaml:"seeds_folder"`
	QueueFolder   string   `yaml:"queue_folder"`
	CrashesFolder string   `yaml:"crashes_folder"`
	CurrentInput  string   `yaml:"current_input"`
	TimeoutMs     int      `yaml:"timeout_ms"`
	Dictionary    string   `yaml:"dictionary"`
}

// Default returns the configuration defaults applied before file and flag
// values.
func Default() Config {
	return Config{TimeoutMs: 1000}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate checks that every required option is present and that the paths
// that must pre-exist do.
func (c *Config) Validate() error {
	if c.TargetBinary == "" {
		return errors.New("target_binary is required")
	}
	if _, err := os.Stat(c.TargetBinary); err != nil {
		return errors.Wrap(err, "target_binary")
	}
	if c.SeedsFolder == "" {
		return errors.New("seeds_folder is required")
	}
	info, err := os.Stat(c.SeedsFolder)
	if err != nil {
		return errors.Wrap(err, "seeds_folder")
	}
	if !info.IsDir() {
		return errors.Errorf("seeds_folder %s is not a directory", c.SeedsFolder)
	}
	if c.QueueFolder == "" {
		return errors.New("queue_folder is required")
	}
	if c.CrashesFolder == "" {
		return errors.New("crashes_folder is required")
	}
	if c.CurrentInput == "" {
		return errors.New("current_input is required")
	}
	if c.TimeoutMs <= 0 {
		return errors.Errorf("timeout_ms must be positive, got %d", c.TimeoutMs)
	}
	return nil
}
