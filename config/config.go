// Package config loads console configuration from a YAML file and
// CONSOLE_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/auth"
	"github.com/deesoft/console/modules/cache"
	"github.com/deesoft/console/modules/cron"
	"github.com/deesoft/console/modules/database"
	"github.com/deesoft/console/modules/router"
	"github.com/deesoft/console/modules/sampledata"
	"github.com/deesoft/console/modules/scheduler"
	"github.com/deesoft/console/modules/servers"
	"github.com/spf13/viper"
)

const EnvPrefix = "CONSOLE"

type Config struct {
	Log        LogConfig                `mapstructure:"log"`
	Scheduler  scheduler.Config         `mapstructure:"scheduler"`
	Server     servers.HttpServerConfig `mapstructure:"server"`
	Auth       auth.Config              `mapstructure:"auth"`
	Database   database.Config          `mapstructure:"database"`
	Redis      cache.Config             `mapstructure:"redis"`
	Migration  MigrationConfig          `mapstructure:"migration"`
	SampleData sampledata.Config        `mapstructure:"sample_data"`
	Routes     []router.Rule            `mapstructure:"routes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MigrationConfig struct {
	Path      string   `mapstructure:"path"`
	Lookup    []string `mapstructure:"lookup"`
	ExtraFile string   `mapstructure:"extra_file"`
	Table     string   `mapstructure:"table"`
	Excepts   string   `mapstructure:"excepts"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("scheduler.timeout", scheduler.DefaultTimeout)
	v.SetDefault("scheduler.debounce", scheduler.DefaultDebounce)
	v.SetDefault("scheduler.log_root", scheduler.DefaultLogRoot)
	v.SetDefault("scheduler.policy", string(scheduler.PolicyAsync))
	v.SetDefault("scheduler.debug", false)

	v.SetDefault("server.port", servers.DefaultPort)
	v.SetDefault("server.host", servers.DefaultHost)

	v.SetDefault("auth.issuer", auth.DefaultIssuer)
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)

	v.SetDefault("migration.path", "migrations")
	v.SetDefault("migration.table", database.DefaultMigrationTable)
	v.SetDefault("migration.extra_file", "runtime/migration-path.yaml")

	v.SetDefault("sample_data.source_path", "samples")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads path, or console.yaml from the working directory or ./config
// when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("console")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.ConfigError(fmt.Errorf("failed to read config: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ConfigError(fmt.Errorf("failed to unmarshal config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.ConfigError(fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	for i, r := range c.Routes {
		if r.Pattern == "" || r.Route == "" {
			return errors.ConfigError(fmt.Errorf("routes[%d]: pattern and route are required", i))
		}
	}
	return nil
}

// Warnings lists job schedules the evaluator would never find due. They are
// not errors: such jobs are simply skipped.
func (c *Config) Warnings() []string {
	eval := cron.New(cron.WithMapping(c.Scheduler.AliasMap()))
	var out []string
	for _, job := range c.Scheduler.Jobs {
		if job.Schedule == "" {
			continue
		}
		if err := eval.Validate(job.Schedule); err != nil {
			out = append(out, fmt.Sprintf("job %q: %v", job.Route, err))
		}
	}
	return out
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return level, errors.ConfigError(fmt.Errorf("log.level: %w", err))
	}
	return level, nil
}

// NewLogger builds the process logger on stderr.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
