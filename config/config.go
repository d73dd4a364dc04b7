package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tilezen/go-tilemosaic/tilepack"
)

const envPrefix = "TILEMOSAIC"

// Config holds all application configuration
type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Store   StoreConfig   `mapstructure:"store"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SourceConfig describes the tile server and how hard to hit it
type SourceConfig struct {
	URLTemplate string        `mapstructure:"url_template"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	JitterMin   time.Duration `mapstructure:"jitter_min"`
	JitterMax   time.Duration `mapstructure:"jitter_max"`
	Workers     int           `mapstructure:"workers"` // 0 picks the pool size from the tile count
	// FileTransportRoot serves file:// templates from this directory.
	FileTransportRoot string `mapstructure:"file_transport_root"`
}

// StoreConfig selects the tile cache backend
type StoreConfig struct {
	Mode string `mapstructure:"mode"` // disk, mbtiles or s3
	DSN  string `mapstructure:"dsn"`
}

// OutputConfig controls the mosaic and its sidecars
type OutputConfig struct {
	Dir     string `mapstructure:"dir"`
	CRS     string `mapstructure:"crs"`     // empty asks on the command line, then falls back to EPSG:4326
	Pmtiles string `mapstructure:"pmtiles"` // optional archive path
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			URLTemplate: tilepack.DefaultURLTemplate,
			Timeout:     10 * time.Second,
			JitterMin:   200 * time.Millisecond,
			JitterMax:   500 * time.Millisecond,
		},
		Store: StoreConfig{
			Mode: "disk",
			DSN:  "Tiles",
		},
		Output: OutputConfig{
			Dir: "Output",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("source.url_template", cfg.Source.URLTemplate)
	v.SetDefault("source.timeout", cfg.Source.Timeout)
	v.SetDefault("source.retries", cfg.Source.Retries)
	v.SetDefault("source.jitter_min", cfg.Source.JitterMin)
	v.SetDefault("source.jitter_max", cfg.Source.JitterMax)
	v.SetDefault("source.workers", cfg.Source.Workers)
	v.SetDefault("source.file_transport_root", cfg.Source.FileTransportRoot)
	v.SetDefault("store.mode", cfg.Store.Mode)
	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("output.dir", cfg.Output.Dir)
	v.SetDefault("output.crs", cfg.Output.CRS)
	v.SetDefault("output.pmtiles", cfg.Output.Pmtiles)
	v.SetDefault("logging.level", cfg.Logging.Level)
}

// Load reads configuration from defaults, the optional file at path and
// TILEMOSAIC_* environment variables, later sources winning. Nested keys map
// to variables with underscores, e.g. TILEMOSAIC_SOURCE_URL_TEMPLATE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// Validate reports the first setting that can't be used.
func (c *Config) Validate() error {
	if err := tilepack.ValidateTemplate(c.Source.URLTemplate); err != nil {
		return err
	}

	var errs []error
	if c.Source.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("source.timeout must be positive, got %s", c.Source.Timeout))
	}
	if c.Source.Retries < 0 {
		errs = append(errs, fmt.Errorf("source.retries must not be negative, got %d", c.Source.Retries))
	}
	if c.Source.JitterMin < 0 || c.Source.JitterMax < c.Source.JitterMin {
		errs = append(errs, fmt.Errorf("invalid jitter range [%s, %s]", c.Source.JitterMin, c.Source.JitterMax))
	}
	if c.Source.Workers < 0 {
		errs = append(errs, fmt.Errorf("source.workers must not be negative, got %d", c.Source.Workers))
	}
	switch c.Store.Mode {
	case "disk", "mbtiles", "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown store.mode %q", c.Store.Mode))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	return errors.Join(errs...)
}

// XYZOptions converts the source settings for the job generator.
func (c *Config) XYZOptions() tilepack.XYZOptions {
	opts := tilepack.DefaultXYZOptions()
	opts.Timeout = c.Source.Timeout
	opts.Retries = c.Source.Retries
	opts.JitterMin = c.Source.JitterMin
	opts.JitterMax = c.Source.JitterMax
	opts.FileTransportRoot = c.Source.FileTransportRoot
	return opts
}
