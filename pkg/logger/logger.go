// Package logger provides context-aware structured logging for convcore,
// built on logrus. It mirrors how every component in the core attaches a
// request-scoped logger entry to a context.Context and retrieves it without
// threading a logger parameter through every call.
package logger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

var (
	// G is a convenience alias for GetLogger.
	G = GetLogger
	// L is the process-wide fallback logger used when no logger is in context.
	L = logrus.NewEntry(newLogger())
)

// WithLogger attaches a logger entry to ctx so it can be retrieved with GetLogger.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	e := entry.WithContext(ctx)
	return context.WithValue(ctx, loggerKey{}, e)
}

// GetLogger retrieves the logger entry carried by ctx, falling back to L.
func GetLogger(ctx context.Context) *logrus.Entry {
	if v := ctx.Value(loggerKey{}); v != nil {
		return v.(*logrus.Entry)
	}
	return L.WithContext(ctx)
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	SetFormat(l, "fmt")
	return l
}

// SetFormat switches the logger between a human "fmt" formatter and "json".
func SetFormat(l *logrus.Logger, format string) {
	switch format {
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "logLevel",
				logrus.FieldKeyMsg:   "message",
			},
			TimestampFormat: time.RFC3339Nano,
		}
	default:
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		}
	}
}

// SetLevel parses and applies a log level to the global logger.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	L.Logger.SetLevel(lvl)
	return nil
}
