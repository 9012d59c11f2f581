package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	// Window
	TimeSteps    int `yaml:"time_steps"`
	Outputs      int `yaml:"outputs"`
	Features     int `yaml:"features"`
	Subinstances int `yaml:"subinstances"`
	LossStart    int `yaml:"loss_start"`

	// Optimisation
	LossType     string  `yaml:"loss_type"`
	Optimizer    string  `yaml:"optimizer"`
	StepSize     float64 `yaml:"step_size"`
	AutoMode     *bool   `yaml:"automode"`
	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`
	EchoInterval int     `yaml:"echo_interval"`

	// Synthetic data
	NumBags int     `yaml:"num_bags"`
	Noise   float64 `yaml:"noise"`
	Seed    int64   `yaml:"seed"`

	// Ambient
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	LossType     string
	StepSize     float64
	BatchSize    int
	Epochs       int
	EchoInterval int
	Seed         int64
	LogLevel     string
	MetricsAddr  string
}

// Default returns a config that trains the synthetic demo out of the box.
func Default() *Config {
	auto := true
	return &Config{
		TimeSteps:    8,
		Outputs:      3,
		Features:     5,
		Subinstances: 4,
		LossStart:    3,
		LossType:     "xentropy",
		Optimizer:    "Adam",
		StepSize:     0.001,
		AutoMode:     &auto,
		BatchSize:    16,
		Epochs:       5,
		EchoInterval: 15,
		NumBags:      512,
		Noise:        0.3,
		Seed:         42,
		LogLevel:     "info",
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.LossType != "" {
		c.LossType = o.LossType
	}
	if o.StepSize > 0 {
		c.StepSize = o.StepSize
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.EchoInterval > 0 {
		c.EchoInterval = o.EchoInterval
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.MetricsAddr != "" {
		c.MetricsAddr = o.MetricsAddr
	}
}

// AutoModeEnabled reports the automode setting, which defaults to on.
func (c *Config) AutoModeEnabled() bool {
	return c.AutoMode == nil || *c.AutoMode
}

// Validate verifies the config is runnable. Loss type and optimizer names
// are checked by the trainer itself.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"time_steps", c.TimeSteps},
		{"outputs", c.Outputs},
		{"subinstances", c.Subinstances},
		{"batch_size", c.BatchSize},
		{"epochs", c.Epochs},
		{"num_bags", c.NumBags},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", f.name, f.value)
		}
	}
	if c.Outputs < 2 {
		return fmt.Errorf("outputs must be >= 2 (got %d)", c.Outputs)
	}
	if c.Features < 2 {
		return fmt.Errorf("features must be >= 2 (got %d)", c.Features)
	}
	if c.LossStart < 0 || c.LossStart >= c.TimeSteps {
		return fmt.Errorf("loss_start must be in [0, %d) (got %d)", c.TimeSteps, c.LossStart)
	}
	if c.StepSize <= 0 {
		return fmt.Errorf("step_size must be > 0 (got %g)", c.StepSize)
	}
	if c.NumBags < c.BatchSize {
		return fmt.Errorf("num_bags (%d) must be >= batch_size (%d)", c.NumBags, c.BatchSize)
	}
	if c.Noise < 0 {
		return fmt.Errorf("noise must be >= 0 (got %g)", c.Noise)
	}
	if c.EchoInterval <= 0 {
		c.EchoInterval = 15
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
