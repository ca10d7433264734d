package config

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// fragment is the optional-overlay shape decoded from one config file.
// Every field is a pointer so "absent" and "zero value" are distinguishable
// during merge.
type fragment struct {
	Debug          *bool   `yaml:"debug" json:"debug" toml:"debug" ini:"debug"`
	Bind           *string `yaml:"bind" json:"bind" toml:"bind" ini:"bind"`
	Concurrent     *uint   `yaml:"concurrent" json:"concurrent" toml:"concurrent" ini:"concurrent"`
	ConnectTimeout *string `yaml:"connect_timeout" json:"connect_timeout" toml:"connect_timeout" ini:"connect_timeout"`
	CIDR           *string `yaml:"cidr" json:"cidr" toml:"cidr" ini:"cidr"`
	Fallback       *string `yaml:"fallback" json:"fallback" toml:"fallback" ini:"fallback"`
}

// applyTo overlays non-nil fragment fields onto base, returning the result.
// Later fragments win, matching "later sources override earlier" in §4.7.
func (f fragment) applyTo(base Config) (Config, error) {
	if f.Debug != nil {
		base.Debug = *f.Debug
	}
	if f.Bind != nil {
		base.Bind = *f.Bind
	}
	if f.Concurrent != nil {
		base.Concurrent = *f.Concurrent
	}
	if f.ConnectTimeout != nil {
		d, err := time.ParseDuration(*f.ConnectTimeout)
		if err != nil {
			return base, errors.Wrap(err, "connect_timeout")
		}
		base.ConnectTimeout = d
	}
	if f.CIDR != nil {
		p, err := netip.ParsePrefix(*f.CIDR)
		if err != nil {
			return base, errors.Wrap(err, "cidr")
		}
		base.CIDR = &p
	}
	if f.Fallback != nil {
		a, err := netip.ParseAddr(*f.Fallback)
		if err != nil {
			return base, errors.Wrap(err, "fallback")
		}
		base.Fallback = &a
	}
	return base, nil
}
