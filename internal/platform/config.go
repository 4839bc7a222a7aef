package platform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halyard-sh/halyard/internal/render"
)

// ConfigFile is the name of the optional platform configuration file under
// the root directory.
const ConfigFile = "platform.yml"

// Config tunes a platform root. Every field is optional; a missing file
// yields the defaults.
type Config struct {
	Version int `yaml:"version"`
	// RenderTimeoutMS bounds each template render.
	RenderTimeoutMS int `yaml:"render_timeout_ms,omitempty"`
	// AppsDir relocates the app directories away from <root>/apps.
	AppsDir string `yaml:"apps_dir,omitempty"`
}

// LoadConfig reads path. A missing file is not an error and returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.RenderTimeoutMS == 0 {
		cfg.RenderTimeoutMS = int(render.DefaultTimeout / time.Millisecond)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.RenderTimeoutMS < 100 {
		return fmt.Errorf("render_timeout_ms %d is below the 100ms minimum", cfg.RenderTimeoutMS)
	}
	return nil
}

// RenderTimeout returns the configured render budget as a duration.
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutMS) * time.Millisecond
}
