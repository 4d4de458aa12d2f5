package main

import (
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// newCLILogger builds the gateway's operator-facing logger: charmbracelet/log
// gives the CLI colorized, leveled output to stderr, the way a long-running
// daemon's console output is meant to be skimmed rather than grepped.
func newCLILogger(level string) *charmlog.Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "lrtp-gatewayd",
	})
	l.SetLevel(parseLevel(level))
	return l
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// slogFromCharm adapts the CLI logger into the log/slog.Logger that the
// protocol core (host/conn/arbiter, per SPEC_FULL.md's logging section)
// expects: charmbracelet/log's *Logger implements slog.Handler directly, so
// every log/slog call the core makes is routed straight into the same
// colorized console output the operator already sees.
func slogFromCharm(l *charmlog.Logger) *slog.Logger {
	return slog.New(l)
}
