package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultConfigFile is read when no config file is named explicitly.
	DefaultConfigFile = "/etc/crius/crius.conf"

	DefaultRootDir     = "/var/lib/crius"
	DefaultRuntime     = "runc"
	DefaultRuntimeRoot = "/var/run/runc"
	DefaultLogDir      = "/var/log/crius"
	DefaultListen      = "0.0.0.0:10000"
	DefaultPullTimeout = 10 * time.Minute

	DefaultMaxConcurrentDownloads = 3

	// RootDirEnv overrides the default root directory.
	RootDirEnv = "CRIUS_ROOT_DIR"
)

// Duration is a time.Duration written as a string such as "90s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	RootDir     string `toml:"root_dir" json:"root_dir"`
	Runtime     string `toml:"runtime" json:"runtime"`
	RuntimeRoot string `toml:"runtime_root" json:"runtime_root"`
	LogDir      string `toml:"log_dir" json:"log_dir"`
	Listen      string `toml:"listen" json:"listen"`

	// PullTimeout bounds a whole image pull. Zero disables it.
	PullTimeout            Duration `toml:"pull_timeout" json:"pull_timeout"`
	MaxConcurrentDownloads int      `toml:"max_concurrent_downloads" json:"max_concurrent_downloads"`

	// Platform selects the manifest of multi-platform images, as "os/arch"
	// or "os/arch/variant".
	Platform string `toml:"platform" json:"platform"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		RootDir:                getRootDir(),
		Runtime:                DefaultRuntime,
		RuntimeRoot:            DefaultRuntimeRoot,
		LogDir:                 DefaultLogDir,
		Listen:                 DefaultListen,
		PullTimeout:            Duration{DefaultPullTimeout},
		MaxConcurrentDownloads: DefaultMaxConcurrentDownloads,
		Platform:               runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func getRootDir() string {
	if rootDir := os.Getenv(RootDirEnv); rootDir != "" {
		return rootDir
	}
	return DefaultRootDir
}

// Load returns the defaults overlaid with the TOML file at path. An empty
// path reads DefaultConfigFile, which may be absent; a file named
// explicitly must exist.
func Load(path string) (*Config, error) {
	c := NewConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			logrus.Debugf("No config file at %s, using defaults", path)
			return c, c.Validate()
		}
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logrus.Warnf("Unknown key %q in config file %s", key.String(), path)
	}

	// An empty root_dir in the file falls back to the default.
	if c.RootDir == "" {
		c.RootDir = getRootDir()
	}
	return c, c.Validate()
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return errors.New("root_dir must not be empty")
	}
	if c.Listen == "" {
		return errors.New("listen must not be empty")
	}
	if c.PullTimeout.Duration < 0 {
		return fmt.Errorf("pull_timeout must not be negative, got %s", c.PullTimeout)
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max_concurrent_downloads must be at least 1, got %d", c.MaxConcurrentDownloads)
	}
	if _, err := c.ImagePlatform(); err != nil {
		return err
	}
	return nil
}

// ImagePlatform parses Platform.
func (c *Config) ImagePlatform() (v1.Platform, error) {
	p, err := v1.ParsePlatform(c.Platform)
	if err != nil {
		return v1.Platform{}, fmt.Errorf("invalid platform %q: %w", c.Platform, err)
	}
	if p.OS == "" || p.Architecture == "" {
		return v1.Platform{}, fmt.Errorf("invalid platform %q: want os/arch", c.Platform)
	}
	return *p, nil
}

// StorageDir returns <root_dir>/storage, creating it if needed.
func (c *Config) StorageDir() (string, error) {
	return ensureDir(filepath.Join(c.RootDir, "storage"))
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return dir, nil
}
