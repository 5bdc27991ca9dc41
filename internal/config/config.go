// Package config loads process-wide settings from the environment, the
// way github.com/gluk-w/claworc's control-plane loads its Settings struct
// with envconfig: a single Load at startup, no hot reload.
package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config mirrors the relay's environment contract: the envconfig tags match
// the literal env var names because Process is called with an empty prefix.
type Config struct {
	JWTSecret       string `envconfig:"JWT_SECRET" default:""`
	UseAuthRaw      string `envconfig:"USE_AUTH" default:"true"`
	AllowedSSHHosts string `envconfig:"ALLOWED_SSH_HOSTS" default:""`
	CORSOrigin      string `envconfig:"CORS_ORIGIN" default:"*"`
	Port            int    `envconfig:"PORT" default:"3001"`
	DataDir         string `envconfig:"DATA_DIR" default:"."`

	RateLimitEnabled bool `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
	RateLimitBurst   int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	RateLimitPerSec  int  `envconfig:"RATE_LIMIT_PER_SEC" default:"200"`
}

// Load reads Config from the environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// AuthEnforced is disabled only when USE_AUTH is exactly the string
// "false". Any other value, including an unset variable, leaves
// enforcement on, so this is hand-checked rather than left to envconfig's
// bool parsing.
func (c Config) AuthEnforced() bool {
	return c.UseAuthRaw != "false"
}

// AllowedHosts splits ALLOWED_SSH_HOSTS on commas. An empty result means
// the allow-list is empty and every host is admitted.
func (c Config) AllowedHosts() []string {
	return splitNonEmpty(c.AllowedSSHHosts)
}

// CORSOrigins splits CORS_ORIGIN on commas for the bootstrap-only CORS
// middleware; the relay core never consults this.
func (c Config) CORSOrigins() []string {
	return splitNonEmpty(c.CORSOrigin)
}

func splitNonEmpty(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
