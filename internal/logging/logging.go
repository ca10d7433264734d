// Package logging wires a logrus backend into dlib/dlog so the rest of the
// module never imports logrus directly; components log through
// dlog.Errorf/Debugf/Tracef against whatever context they're handed.
package logging

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dlog"
)

const envLogLevel = "RANDHOP_LOG_LEVEL"

// WithBaseLogger attaches a logrus-backed dlog.Logger to ctx. Verbosity is
// taken from the RANDHOP_LOG_LEVEL environment variable if set, else from
// debug: trace when debug is true, info otherwise.
func WithBaseLogger(ctx context.Context, debug bool) context.Context {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
	})

	level := logrus.InfoLevel
	if debug {
		level = logrus.TraceLevel
	}
	if envLevel, ok := os.LookupEnv(envLogLevel); ok {
		if parsed, err := logrus.ParseLevel(strings.ToLower(envLevel)); err == nil {
			level = parsed
		}
	}
	logger.SetLevel(level)

	dlogger := dlog.WrapLogrus(logger)
	dlog.SetFallbackLogger(dlogger)
	return dlog.WithLogger(ctx, dlogger)
}
