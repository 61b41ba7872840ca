// Package config loads the download engine's runtime settings via viper,
// following the mapstructure-tagged struct + defaults pattern used in
// guided-traffic-s3-encryption-proxy/internal/config: one struct per
// concern, sane defaults set before any config file is read, and a single
// Load entry point that binds environment variables and an optional file.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/dandi/ddl/internal/asset"
)

// Config holds every setting the Coordinator and its collaborators need for
// a single invocation.
type Config struct {
	OutputDir     string `mapstructure:"output_dir"`
	Existing      string `mapstructure:"existing"`
	Format        string `mapstructure:"format"`
	Sync          bool   `mapstructure:"sync"`
	Jobs          int    `mapstructure:"jobs"`
	JobsPerZarr   int    `mapstructure:"jobs_per_zarr"`
	MetricsListen string `mapstructure:"metrics_listen"`
}

// Defaults mirror spec.md's stated defaults: error on existing paths,
// human-readable progress, sync off, 6 concurrent assets, 4 workers per
// Zarr asset.
func defaults(v *viper.Viper) {
	v.SetDefault("output_dir", ".")
	v.SetDefault("existing", "error")
	v.SetDefault("format", "pyout")
	v.SetDefault("sync", false)
	v.SetDefault("jobs", 6)
	v.SetDefault("jobs_per_zarr", 4)
	v.SetDefault("metrics_listen", "")
}

// Load reads configuration from an optional file at path (if non-empty),
// environment variables prefixed DDL_, and the package defaults, in that
// precedence order (env overrides file overrides defaults, per viper's own
// merge rules).
func Load(path string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("DDL")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	return cfg, nil
}

// ExistingPolicy resolves the configured existence policy string, defaulting
// to ExistingError for an unrecognized value.
func (c Config) ExistingPolicy() asset.ExistingPolicy {
	p, ok := asset.ParseExistingPolicy(c.Existing)
	if !ok {
		return asset.ExistingError
	}
	return p
}

// OutputFormat resolves the configured format string.
func (c Config) OutputFormat() asset.Format {
	if c.Format == "debug" {
		return asset.FormatDebug
	}
	return asset.FormatPyout
}
