// Package config loads the proxy's configuration from a directory of
// fragments, merges them, and exposes a hot-reloadable snapshot.
package config

import (
	"fmt"
	"net/netip"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved, validated configuration the rest of the proxy
// reads. Once handed out via Manager.Snapshot, an instance never mutates.
type Config struct {
	Debug          bool          `yaml:"debug" json:"debug"`
	Bind           string        `yaml:"bind" json:"bind"`
	Concurrent     uint          `yaml:"concurrent" json:"concurrent"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	CIDR           *netip.Prefix `yaml:"-" json:"-"`
	Fallback       *netip.Addr   `yaml:"-" json:"-"`
}

// Default returns the configuration in effect when no fragment overrides a
// field, per §6 of the spec.
func Default() Config {
	return Config{
		Debug:          false,
		Bind:           "0.0.0.0:3000",
		Concurrent:     1024,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate enforces the Data Model invariants: concurrent must be at least
// one. CIDR exclusion bounds are enforced by the sampler itself, not here.
func (c Config) Validate() error {
	if c.Concurrent < 1 {
		return fmt.Errorf("concurrent must be >= 1, got %d", c.Concurrent)
	}
	if c.Bind == "" {
		return fmt.Errorf("bind must not be empty")
	}
	return nil
}

// String renders the config as YAML for debug-level startup logging,
// matching the teacher's BaseConfig.String().
func (c Config) String() string {
	type display struct {
		Debug          bool          `yaml:"debug"`
		Bind           string        `yaml:"bind"`
		Concurrent     uint          `yaml:"concurrent"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		CIDR           string        `yaml:"cidr,omitempty"`
		Fallback       string        `yaml:"fallback,omitempty"`
	}
	d := display{
		Debug:          c.Debug,
		Bind:           c.Bind,
		Concurrent:     c.Concurrent,
		ConnectTimeout: c.ConnectTimeout,
	}
	if c.CIDR != nil {
		d.CIDR = c.CIDR.String()
	}
	if c.Fallback != nil {
		d.Fallback = c.Fallback.String()
	}
	y, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(y)
}

// Clone returns a deep-enough copy for safe cross-goroutine sharing: the
// pointer fields point at immutable values so a shallow copy suffices.
func (c Config) Clone() Config {
	return c
}
