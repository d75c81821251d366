// Package config loads the run configuration of dmotif from a config file, DMOTIF_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/l7mp/dmotif/pkg/motif"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "DMOTIF"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the settings of a run.
type Config struct {
	// Motif is a catalog name, a path to a motif YAML file or an inline "m p0 q0 ..." pattern.
	Motif string `mapstructure:"motif"`
	// Input is the edge stream file.
	Input string `mapstructure:"input"`
	// Initial is the number of leading edges loaded in bulk. Negative means all of them.
	Initial   int  `mapstructure:"initial"`
	BatchSize int  `mapstructure:"batch-size"`
	Count     bool `mapstructure:"count"`

	// Workers is the number of workers per process.
	Workers int `mapstructure:"workers"`
	// Hosts lists the listen addresses of every process of a distributed run, Process is the
	// index of this process. A single process runs without a network transport.
	Hosts            []string      `mapstructure:"hosts"`
	Process          int           `mapstructure:"process"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	MaxIntermediate uint64 `mapstructure:"max-intermediate"`
	CountCacheBytes int    `mapstructure:"count-cache-bytes"`
	DrainChunk      int    `mapstructure:"drain-chunk"`

	MetricsAddr string `mapstructure:"metrics-addr"`
	Recorder    string `mapstructure:"recorder"`
	Verbosity   int    `mapstructure:"verbosity"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Motif:            "triangle",
		Initial:          -1,
		BatchSize:        1000,
		Count:            true,
		Workers:          1,
		HandshakeTimeout: 30 * time.Second,
		CountCacheBytes:  0,
		DrainChunk:       256,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("motif", d.Motif)
	v.SetDefault("initial", d.Initial)
	v.SetDefault("batch-size", d.BatchSize)
	v.SetDefault("count", d.Count)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("hosts", d.Hosts)
	v.SetDefault("process", d.Process)
	v.SetDefault("handshake-timeout", d.HandshakeTimeout)
	v.SetDefault("max-intermediate", d.MaxIntermediate)
	v.SetDefault("count-cache-bytes", d.CountCacheBytes)
	v.SetDefault("drain-chunk", d.DrainChunk)
	v.SetDefault("metrics-addr", d.MetricsAddr)
	v.SetDefault("recorder", d.Recorder)
	v.SetDefault("verbosity", d.Verbosity)
}

// Load reads the configuration. If path is empty dmotif.yaml is looked up in the working
// directory and in $HOME/.dmotif; a missing file is not an error. Flags that were set on the
// command line override every other source.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dmotif")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.dmotif")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Distributed is true if the run spans several processes.
func (c *Config) Distributed() bool { return len(c.Hosts) > 1 }

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case c.Motif == "":
		return fmt.Errorf("%w: no motif", ErrInvalidConfig)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	case c.BatchSize < 0:
		return fmt.Errorf("%w: negative batch size %d", ErrInvalidConfig, c.BatchSize)
	case c.CountCacheBytes < 0:
		return fmt.Errorf("%w: negative count cache size %d", ErrInvalidConfig, c.CountCacheBytes)
	case len(c.Hosts) > 0 && (c.Process < 0 || c.Process >= len(c.Hosts)):
		return fmt.Errorf("%w: process index %d out of range for %d hosts", ErrInvalidConfig,
			c.Process, len(c.Hosts))
	}
	return nil
}

// LoadMotif resolves the motif setting: a catalog name first, then an existing file, then an
// inline pattern.
func (c *Config) LoadMotif() (*motif.Motif, error) {
	if m, err := motif.ByName(c.Motif); err == nil {
		return m, nil
	}
	if _, err := os.Stat(c.Motif); err == nil {
		return motif.Load(c.Motif)
	}
	return motif.Parse("custom", c.Motif)
}
