// Package errcat categorizes errors produced by the proxy's components so
// that logging and exit-code decisions can be made without type-switching
// on concrete error values.
package errcat

import (
	"errors"
	"fmt"
)

// Category classifies an error by which part of the system raised it.
type Category int

const (
	OK Category = iota
	Config
	Bind
	Dns
	InvalidURI
	Tcp
	Http
	Upgrade
	Unknown
)

func (c Category) String() string {
	switch c {
	case OK:
		return "ok"
	case Config:
		return "config"
	case Bind:
		return "bind"
	case Dns:
		return "dns"
	case InvalidURI:
		return "invalid_uri"
	case Tcp:
		return "tcp"
	case Http:
		return "http"
	case Upgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

type categorized struct {
	error
	category Category
}

// New creates a categorized error wrapping err. Returns nil if err is nil.
func (c Category) New(err error) error {
	if err == nil {
		return nil
	}
	return &categorized{error: err, category: c}
}

// Newf creates a categorized error from a format string, following
// fmt.Errorf semantics ('%w' is honored).
func (c Category) Newf(format string, a ...interface{}) error {
	return &categorized{error: fmt.Errorf(format, a...), category: c}
}

// Unwrap returns the wrapped error.
func (ce *categorized) Unwrap() error {
	return ce.error
}

// GetCategory walks the error chain looking for a categorized error.
// Returns OK for a nil error and Unknown if no category is found.
func GetCategory(err error) Category {
	if err == nil {
		return OK
	}
	for {
		var ce *categorized
		if errors.As(err, &ce) {
			return ce.category
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return Unknown
		}
		err = unwrapped
	}
}
