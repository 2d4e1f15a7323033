package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/cron"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultDebounce = time.Second
	DefaultLogRoot  = "runtime"
)

// Policy selects how due jobs are launched.
type Policy string

const (
	// PolicyAsync starts a child and moves on after the debounce pause.
	PolicyAsync Policy = "async"
	// PolicySync waits for each child to exit or time out.
	PolicySync Policy = "sync"
)

type Config struct {
	// ScriptFile is the program invoked for every due route. Empty means the
	// running executable.
	ScriptFile string `mapstructure:"script_file"`
	// Invoker is prepended to the command line, e.g. "php" or "/bin/sh".
	Invoker  string        `mapstructure:"invoker"`
	LogRoot  string        `mapstructure:"log_root"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Policy   Policy        `mapstructure:"policy"`
	Debounce time.Duration `mapstructure:"debounce"`
	Debug    bool          `mapstructure:"debug"`
	Timezone string        `mapstructure:"timezone"`
	Aliases  []AliasConfig `mapstructure:"aliases"`
	Jobs     []core.Job    `mapstructure:"jobs"`
}

// AliasConfig is an alias entry as written in configuration files. Lists keep
// the case of alias names, which map keys in viper would not.
type AliasConfig struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
}

func DefaultConfig() Config {
	return Config{
		LogRoot:  DefaultLogRoot,
		Timeout:  DefaultTimeout,
		Policy:   PolicyAsync,
		Debounce: DefaultDebounce,
	}
}

// withDefaults fills zero values. A negative Debounce disables the pause.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LogRoot == "" {
		c.LogRoot = d.LogRoot
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.Debounce == 0 {
		c.Debounce = d.Debounce
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	return c
}

func (c Config) Validate() error {
	switch c.Policy {
	case "", PolicyAsync, PolicySync:
	default:
		return errors.ConfigError(fmt.Errorf("scheduler: unknown policy %q", c.Policy))
	}
	if c.Timeout < 0 {
		return errors.ConfigError(fmt.Errorf("scheduler: timeout must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for i, job := range c.Jobs {
		if job.Route == "" {
			return errors.ConfigError(fmt.Errorf("scheduler: job #%d has no route", i))
		}
		// "always" and "true" are alias values only; as a schedule they
		// would be read as an expression and never match.
		if cron.ParseAlias(job.Schedule).Always {
			return errors.ConfigError(fmt.Errorf(
				"scheduler: job %q: schedule %q is not an expression; use @minutes or leave it empty to run every minute",
				job.Route, job.Schedule))
		}
	}
	for _, alias := range c.Aliases {
		if alias.Name == "" {
			return errors.ConfigError(fmt.Errorf("scheduler: alias without name"))
		}
	}
	return nil
}

// Location resolves Timezone; empty means time.Local.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.ConfigError(fmt.Errorf("scheduler: timezone: %w", err))
	}
	return loc, nil
}

// AliasMap converts the configured aliases into evaluator overrides.
func (c Config) AliasMap() map[string]cron.Alias {
	out := make(map[string]cron.Alias, len(c.Aliases))
	for _, a := range c.Aliases {
		out[a.Name] = cron.ParseAlias(a.Schedule)
	}
	return out
}

// ResolveScriptFile returns the absolute, symlink-free path of the program to
// invoke. Empty path means the running executable.
func ResolveScriptFile(path string) (string, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", errors.InfraError(fmt.Errorf("scheduler: resolve executable: %w", err))
		}
		path = exe
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.ConfigError(fmt.Errorf("scheduler: script file: %w", err))
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return abs, nil
}
