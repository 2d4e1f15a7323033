package auth

import (
	"fmt"
	"time"

	"github.com/deesoft/console/errors"
)

const (
	DefaultIssuer   = "console"
	DefaultTokenTTL = 24 * time.Hour
	minSecretLength = 32
)

// Config guards the status API with HS256 bearer tokens. An empty Secret
// leaves the API open.
type Config struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// Scopes every request must carry, e.g. "scheduler:read".
	Scopes []string `mapstructure:"scopes"`
}

func (c Config) Enabled() bool {
	return c.Secret != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if len(c.Secret) < minSecretLength {
		return errors.ConfigError(fmt.Errorf("auth: secret must be at least %d characters", minSecretLength))
	}
	if c.TokenTTL < 0 {
		return errors.ConfigError(fmt.Errorf("auth: token_ttl must not be negative"))
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	return c
}
