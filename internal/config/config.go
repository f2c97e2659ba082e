// Package config loads the YAML configuration of a hypervisor instance.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tinyrange/thinhv/internal/hv/factory"
	"github.com/tinyrange/thinhv/internal/hypercall"
	"github.com/tinyrange/thinhv/internal/hypervisor"
	"github.com/tinyrange/thinhv/internal/vmexit"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "thinhv.yaml"

	DefaultSplitCapacity = 6000
	DefaultHookCapacity  = 6000
	DefaultRAMMB         = 256
)

// Config is the on-disk configuration.
type Config struct {
	// Processors is the number of processors to virtualize; 0 means all.
	Processors int `yaml:"processors"`

	Backend   BackendConfig   `yaml:"backend"`
	EPT       EPTConfig       `yaml:"ept"`
	Hypercall HypercallConfig `yaml:"hypercall"`
	Timing    TimingConfig    `yaml:"timing"`
	Log       LogConfig       `yaml:"log"`

	// Trace is the path of the exit trace. Empty disables tracing.
	Trace string `yaml:"trace,omitempty"`
}

type BackendConfig struct {
	Kind string `yaml:"kind"`

	// Size of the simulated machine.
	Processors int    `yaml:"processors,omitempty"`
	RAMMB      uint64 `yaml:"ramMB,omitempty"`
}

type EPTConfig struct {
	SplitCapacity int `yaml:"splitCapacity"`
	HookCapacity  int `yaml:"hookCapacity"`
}

type HypercallConfig struct {
	Key uint64 `yaml:"key"`
}

type TimingConfig struct {
	Enabled    *bool  `yaml:"enabled,omitempty"`
	Iterations int    `yaml:"iterations"`
	Ceiling    uint64 `yaml:"ceiling"`
	TimerTicks uint64 `yaml:"timerTicks"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Backend.Kind == "" {
		c.Backend.Kind = factory.KindSim
	}
	if c.Backend.Kind == factory.KindSim && c.Backend.RAMMB == 0 {
		c.Backend.RAMMB = DefaultRAMMB
	}
	if c.EPT.SplitCapacity == 0 {
		c.EPT.SplitCapacity = DefaultSplitCapacity
	}
	if c.EPT.HookCapacity == 0 {
		c.EPT.HookCapacity = DefaultHookCapacity
	}
	if c.Hypercall.Key == 0 {
		c.Hypercall.Key = hypercall.Key
	}
	if c.Timing.Enabled == nil {
		enabled := vmexit.DefaultTiming.Enabled
		c.Timing.Enabled = &enabled
	}
	if c.Timing.Iterations == 0 {
		c.Timing.Iterations = vmexit.DefaultTiming.Iterations
	}
	if c.Timing.Ceiling == 0 {
		c.Timing.Ceiling = vmexit.DefaultTiming.Ceiling
	}
	if c.Timing.TimerTicks == 0 {
		c.Timing.TimerTicks = vmexit.DefaultTiming.TimerTicks
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.Processors < 0:
		return fmt.Errorf("config: processors %d is negative", c.Processors)
	case c.Backend.Processors < 0:
		return fmt.Errorf("config: backend processors %d is negative", c.Backend.Processors)
	case c.Backend.Processors > 0 && c.Processors > c.Backend.Processors:
		return fmt.Errorf("config: %d processors requested, backend has %d", c.Processors, c.Backend.Processors)
	case c.EPT.SplitCapacity <= 0:
		return fmt.Errorf("config: ept splitCapacity must be positive, got %d", c.EPT.SplitCapacity)
	case c.EPT.HookCapacity <= 0:
		return fmt.Errorf("config: ept hookCapacity must be positive, got %d", c.EPT.HookCapacity)
	case c.Hypercall.Key&^hypercall.KeyMask != 0:
		return fmt.Errorf("config: hypercall key %#x does not fit in 56 bits", c.Hypercall.Key)
	case c.Timing.Iterations <= 0:
		return fmt.Errorf("config: timing iterations must be positive, got %d", c.Timing.Iterations)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if !factory.Known(c.Backend.Kind) {
		return fmt.Errorf("config: unknown backend %q", c.Backend.Kind)
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}

// BackendOptions is the backend part of the configuration.
func (c *Config) BackendOptions() factory.Options {
	return factory.Options{
		Processors: c.Backend.Processors,
		RAMSize:    c.Backend.RAMMB << 20,
	}
}

// Hypervisor converts the configuration for hypervisor.New. trace may be
// nil.
func (c *Config) Hypervisor(trace io.Writer, logger *slog.Logger) hypervisor.Config {
	timing := vmexit.TimingConfig{
		Enabled:    c.Timing.Enabled != nil && *c.Timing.Enabled,
		Iterations: c.Timing.Iterations,
		Ceiling:    c.Timing.Ceiling,
		TimerTicks: c.Timing.TimerTicks,
	}
	return hypervisor.Config{
		Processors:    c.Processors,
		SplitCapacity: c.EPT.SplitCapacity,
		HookCapacity:  c.EPT.HookCapacity,
		Key:           c.Hypercall.Key,
		Timing:        timing,
		Trace:         trace,
		Logger:        logger,
	}
}

// Load reads, normalizes and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Write stores c at path with defaults filled in.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
