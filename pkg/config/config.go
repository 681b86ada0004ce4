// Package config loads the daemon configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/pulse"
	"github.com/cuemby/infusion/pkg/reconciler"
)

// Config is the daemon configuration
type Config struct {
	DataDir           string           `yaml:"data_dir"`
	Log               LogConfig        `yaml:"log"`
	Device            DeviceConfig     `yaml:"device"`
	Schedule          []ScheduleEntry  `yaml:"schedule"`
	Nightscout        NightscoutConfig `yaml:"nightscout"`
	API               ListenConfig     `yaml:"api"`
	Metrics           ListenConfig     `yaml:"metrics"`
	GRPC              ListenConfig     `yaml:"grpc"`
	ReconcileInterval time.Duration    `yaml:"reconcile_interval"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DeviceConfig describes the pump
type DeviceConfig struct {
	// PulseSize is the volume of one pulse in units. PulsesPerUnit, when
	// set, takes precedence and allows sizes such as 1/72 U that have no
	// exact decimal form.
	PulseSize     float64 `yaml:"pulse_size"`
	PulsesPerUnit int     `yaml:"pulses_per_unit"`

	MaxBolus     float64 `yaml:"max_bolus"`
	MaxBasalRate float64 `yaml:"max_basal_rate"`

	Simulate       bool    `yaml:"simulate"`
	ReservoirUnits float64 `yaml:"reservoir_units"`
}

// ScheduleEntry is one basal rate starting at a wall clock time
type ScheduleEntry struct {
	Start string  `yaml:"start" json:"start"` // HH:MM
	Rate  float64 `yaml:"rate" json:"rate"`   // U/h
}

// NightscoutConfig enables treatment upload when URL is set
type NightscoutConfig struct {
	URL       string `yaml:"url"`
	APISecret string `yaml:"api_secret"`
	Token     string `yaml:"token"`
	EnteredBy string `yaml:"entered_by"`
	Device    string `yaml:"device"`
}

// Enabled reports whether a Nightscout site is configured
func (n NightscoutConfig) Enabled() bool {
	return n.URL != ""
}

// ListenConfig is a listen address; empty disables the listener
type ListenConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		DataDir: "./infusion-data",
		Log: LogConfig{
			Level: "info",
		},
		Device: DeviceConfig{
			PulseSize:      float64(pulse.DefaultSize),
			MaxBolus:       pulse.MaxBolus,
			MaxBasalRate:   pulse.MaxBasalRate,
			Simulate:       true,
			ReservoirUnits: 200,
		},
		API:               ListenConfig{Listen: "127.0.0.1:8270"},
		GRPC:              ListenConfig{Listen: "127.0.0.1:8271"},
		ReconcileInterval: reconciler.DefaultInterval,
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Device.PulsesPerUnit < 0 {
		errs = append(errs, fmt.Errorf("device.pulses_per_unit must be positive, got %d", c.Device.PulsesPerUnit))
	} else if !c.PulseSize().Valid() {
		errs = append(errs, fmt.Errorf("device.pulse_size must be positive, got %v", c.Device.PulseSize))
	}
	if c.Device.MaxBolus <= 0 {
		errs = append(errs, fmt.Errorf("device.max_bolus must be positive, got %v", c.Device.MaxBolus))
	}
	if c.Device.MaxBasalRate <= 0 {
		errs = append(errs, fmt.Errorf("device.max_basal_rate must be positive, got %v", c.Device.MaxBasalRate))
	}
	if !c.Device.Simulate {
		errs = append(errs, errors.New("device.simulate is false but no hardware driver is built in"))
	}
	if c.Device.ReservoirUnits < 0 {
		errs = append(errs, fmt.Errorf("device.reservoir_units must not be negative, got %v", c.Device.ReservoirUnits))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile_interval must be positive, got %s", c.ReconcileInterval))
	}
	if c.Nightscout.Enabled() && !strings.HasPrefix(c.Nightscout.URL, "http://") && !strings.HasPrefix(c.Nightscout.URL, "https://") {
		errs = append(errs, fmt.Errorf("nightscout.url must be an http(s) URL, got %q", c.Nightscout.URL))
	}
	if _, err := c.BasalEntries(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// PulseSize returns the configured pulse volume
func (c *Config) PulseSize() pulse.Size {
	if c.Device.PulsesPerUnit > 0 {
		return pulse.Size(1 / float64(c.Device.PulsesPerUnit))
	}
	return pulse.Size(c.Device.PulseSize)
}

// BasalConfig returns the compiler constants for the configured device
func (c *Config) BasalConfig() basal.Config {
	cfg := basal.DefaultConfig()
	cfg.PulseSize = c.PulseSize()
	cfg.MaxRate = c.Device.MaxBasalRate
	return cfg
}

// BasalEntries converts the schedule to compiler input. An empty schedule
// returns nil; the daemon then starts without a program.
func (c *Config) BasalEntries() ([]basal.Entry, error) {
	if len(c.Schedule) == 0 {
		return nil, nil
	}
	entries := make([]basal.Entry, 0, len(c.Schedule))
	for i, e := range c.Schedule {
		start, err := ParseClock(e.Start)
		if err != nil {
			return nil, fmt.Errorf("schedule[%d]: %w", i, err)
		}
		entries = append(entries, basal.Entry{Start: start, RatePerHour: e.Rate})
	}
	return entries, nil
}

// ParseClock parses a HH:MM wall clock time into an offset from midnight
func ParseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid start %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid start %q: hour must be 00-23", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid start %q: minute must be 00-59", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
