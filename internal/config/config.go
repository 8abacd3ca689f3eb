// Package config loads hvboot settings from a YAML file, a .env file and
// HVBOOT_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hvboot/internal/bringup"
	"github.com/tinyrange/hvboot/internal/firmware"
	"github.com/tinyrange/hvboot/internal/guestmem"
	"github.com/tinyrange/hvboot/internal/hv/factory"
)

const (
	DefaultFilename = "hvboot.yaml"
	DefaultEnvFile  = ".env"
	EnvPrefix       = "HVBOOT_"
)

type Config struct {
	Version int `yaml:"version"`

	// Platform selects the hypervisor binding: auto, kvm or sim.
	Platform string `yaml:"platform"`
	Core     int    `yaml:"core"`

	// Guests and EntryPoint are pointers so an explicit zero survives
	// normalize.
	Guests        *int    `yaml:"guests,omitempty"`
	EntryPoint    *uint64 `yaml:"entryPoint,omitempty"`
	MemoryKB      uint64  `yaml:"memoryKB,omitempty"`
	DisablePolicy string  `yaml:"disablePolicy,omitempty"`

	LogLevel  string `yaml:"logLevel,omitempty"`
	Timeslice string `yaml:"timeslice,omitempty"`
}

func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Platform == "" {
		c.Platform = factory.Auto
	}
	if c.Guests == nil {
		n := bringup.DefaultGuestCount
		c.Guests = &n
	}
	if c.EntryPoint == nil {
		entry := firmware.BIOSEntry
		c.EntryPoint = &entry
	}
	if c.MemoryKB == 0 {
		c.MemoryKB = guestmem.DefaultSize / 1024
	}
	if c.DisablePolicy == "" {
		c.DisablePolicy = bringup.DisableAfterJoin.String()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// GuestCount returns the configured number of guests.
func (c Config) GuestCount() int {
	if c.Guests == nil {
		return bringup.DefaultGuestCount
	}
	return *c.Guests
}

func (c *Config) SetGuestCount(n int) { c.Guests = &n }

// Entry returns the configured guest entry point.
func (c Config) Entry() uint64 {
	if c.EntryPoint == nil {
		return firmware.BIOSEntry
	}
	return *c.EntryPoint
}

func (c *Config) SetEntry(entry uint64) { c.EntryPoint = &entry }

// Load reads path. A missing file is not an error when path is the default
// name; the defaults are returned instead.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultFilename
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultFilename {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses a YAML document. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing default file
// is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultEnvFile {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from HVBOOT_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, set func(uint64)) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		set(n)
		return nil
	}

	str("PLATFORM", &c.Platform)
	str("DISABLE_POLICY", &c.DisablePolicy)
	str("LOG_LEVEL", &c.LogLevel)
	str("TIMESLICE", &c.Timeslice)

	if err := errors.Join(
		num("CORE", func(n uint64) { c.Core = int(n) }),
		num("GUESTS", func(n uint64) { c.SetGuestCount(int(n)) }),
		num("ENTRY", func(n uint64) { c.SetEntry(n) }),
		num("MEMORY_KB", func(n uint64) { c.MemoryKB = n }),
	); err != nil {
		return err
	}

	return c.Validate()
}

func (c Config) Validate() error {
	if !slices.Contains(factory.Names(), c.Platform) {
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.Core < 0 {
		return fmt.Errorf("core %d is negative", c.Core)
	}
	if _, err := bringup.ParseDisablePolicy(c.DisablePolicy); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return c.Bringup().Validate()
}

// Bringup converts the settings into an orchestrator config.
func (c Config) Bringup() bringup.Config {
	policy, _ := bringup.ParseDisablePolicy(c.DisablePolicy)
	return bringup.Config{
		GuestCount:    c.GuestCount(),
		EntryPoint:    c.Entry(),
		MemorySize:    c.MemoryKB * 1024,
		DisablePolicy: policy,
	}
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
