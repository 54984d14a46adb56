// Package common provides the shared logging infrastructure for the flow
// service. Error-level output is routed to stderr and everything else to
// stdout, so containerized deployments can treat the two streams
// differently without parsing log bodies.
//
// The package exposes a global Logger built on logrus; services derive
// component-scoped entries from it via ComponentLogger so every line
// carries a stable "component" field.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines by severity: lines carrying
// an error level marker go to stderr, the rest to stdout. Works with
// both the text formatter ("level=error") and the JSON formatter
// ("\"level\":\"error\"").
type OutputSplitter struct{}

// Write implements io.Writer for the OutputSplitter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. All services log through it or
// through entries derived from it, so formatting and routing stay
// uniform across the process.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
}

// SetupLogging configures the global logger's level and format.
// level is one of debug, info, warn, error; format is "json" or "text".
// Unknown values fall back to info/text.
func SetupLogging(level, format string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
}

// ComponentLogger returns an entry tagged with a stable component field.
// Long-running workers keep one of these for their lifetime.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// MaskSecret masks sensitive strings for safe logging. Shows first and
// last 4 characters for strings longer than 8 chars, "***" for short
// strings, "<not set>" for empty ones.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
