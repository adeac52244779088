// Package config loads the vblk YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vblk/internal/devices/virtio"
)

const (
	// CurrentVersion is written by Write and Default.
	CurrentVersion = "v1.0.0"

	DefaultMemoryMB       = 16
	DefaultMaxChainLength = 3
	DefaultQueueNumMax    = 8
	DefaultHeadSlot       = "avail-idx"
	DefaultStatsPath      = "/metrics"
	DefaultStatsNamespace = "vblk"
	DefaultStatsInterval  = 10 * time.Second
	DefaultLogLevel       = "info"
)

// Config is the on-disk configuration of a vblk run.
type Config struct {
	Version string `yaml:"version"`

	Machine MachineConfig `yaml:"machine"`
	Disk    DiskConfig    `yaml:"disk"`
	Virtio  VirtioConfig  `yaml:"virtio"`
	Stats   StatsConfig   `yaml:"stats"`
	Log     LogConfig     `yaml:"log"`
}

type MachineConfig struct {
	MemoryMB uint64 `yaml:"memoryMB"`
}

type DiskConfig struct {
	Image    string `yaml:"image"`
	ReadOnly bool   `yaml:"readOnly"`
	Persist  bool   `yaml:"persist"`
}

type VirtioConfig struct {
	MaxChainLength int    `yaml:"maxChainLength"`
	QueueNumMax    uint32 `yaml:"queueNumMax"`

	// HeadSlot is "avail-idx" or "consumed"; see virtio.HeadSlot.
	HeadSlot string `yaml:"headSlot"`
}

// StatsConfig controls the Prometheus endpoint. An empty Listen disables it.
type StatsConfig struct {
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`

	// Graphite is an optional host:port for the plaintext protocol.
	Graphite string `yaml:"graphite"`
	Prefix   string `yaml:"prefix"`
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
	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.Machine.MemoryMB == 0 {
		c.Machine.MemoryMB = DefaultMemoryMB
	}
	if c.Virtio.MaxChainLength == 0 {
		c.Virtio.MaxChainLength = DefaultMaxChainLength
	}
	if c.Virtio.QueueNumMax == 0 {
		c.Virtio.QueueNumMax = DefaultQueueNumMax
	}
	if c.Virtio.HeadSlot == "" {
		c.Virtio.HeadSlot = DefaultHeadSlot
	}
	if c.Stats.Path == "" {
		c.Stats.Path = DefaultStatsPath
	}
	if c.Stats.Namespace == "" {
		c.Stats.Namespace = DefaultStatsNamespace
	}
	if c.Stats.Prefix == "" {
		c.Stats.Prefix = DefaultStatsNamespace
	}
	if c.Stats.Interval == 0 {
		c.Stats.Interval = DefaultStatsInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks values normalize cannot fill in.
func (c Config) Validate() error {
	v := c.Version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid config version %q", c.Version)
	}
	if semver.Major(v) != semver.Major(CurrentVersion) {
		return fmt.Errorf("unsupported config version %s (want %s.x)", c.Version, semver.Major(CurrentVersion))
	}
	if c.Virtio.MaxChainLength < DefaultMaxChainLength {
		return fmt.Errorf("virtio.maxChainLength %d below %d", c.Virtio.MaxChainLength, DefaultMaxChainLength)
	}
	if c.Virtio.QueueNumMax > DefaultQueueNumMax {
		return fmt.Errorf("virtio.queueNumMax %d above %d", c.Virtio.QueueNumMax, DefaultQueueNumMax)
	}
	if _, err := c.HeadSlot(); err != nil {
		return err
	}
	if c.Disk.ReadOnly && c.Disk.Persist {
		return fmt.Errorf("disk.persist set on a read-only disk")
	}
	if c.Stats.Interval < 0 {
		return fmt.Errorf("stats.interval must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// HeadSlot parses Virtio.HeadSlot.
func (c Config) HeadSlot() (virtio.HeadSlot, error) {
	h, err := virtio.ParseHeadSlot(c.Virtio.HeadSlot)
	if err != nil {
		return 0, fmt.Errorf("virtio.headSlot: %w", err)
	}
	return h, nil
}

// MemoryBytes returns the guest RAM size.
func (c Config) MemoryBytes() uint64 {
	return c.Machine.MemoryMB << 20
}

// Load reads, normalizes and validates the file at path. A relative disk
// image is resolved against the file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.Disk.Image != "" && !filepath.IsAbs(cfg.Disk.Image) {
		cfg.Disk.Image = filepath.Join(filepath.Dir(path), cfg.Disk.Image)
	}
	return cfg, nil
}

// Write encodes cfg as YAML to path.
func Write(path string, cfg Config) error {
	cfg.normalize()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
