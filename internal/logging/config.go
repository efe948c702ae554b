// Package logging configures the process-wide zerolog logger CATS
// components log through (spec.md's ambient logging concern — the
// protocol itself is silent on logging).
//
// Grounded on the teacher's internal/logging/config.go: an env-driven,
// sync.Once-guarded Configure with a runtime/test profile split. Adapted
// from the teacher's third_party/smplog facade (vendored with no source
// in this snapshot, so not a wireable dependency — see DESIGN.md) to
// zerolog directly, since every example repo that logs reaches for
// zerolog.
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "CATS_LOG_LEVEL"
	EnvLogTimestamp = "CATS_LOG_TIMESTAMP"
	EnvLogNoColor   = "CATS_LOG_NOCOLOR"
	EnvLogBypass    = "CATS_LOG_BYPASS"
)

// Profile selects the baseline before env overrides are applied.
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var (
	configureOnce sync.Once
	configured    bool
	logger        zerolog.Logger
)

// ConfigureRuntime sets up the default process logger for normal
// operation (info level, timestamps on, console writer).
func ConfigureRuntime() zerolog.Logger {
	return Configure(ProfileRuntime)
}

// ConfigureTests sets up a debug-level, timestamp-free logger suited to
// table-driven test output.
func ConfigureTests() zerolog.Logger {
	return Configure(ProfileTest)
}

// Configure builds the logger for profile and stores it as the package
// default. Only the first call in a process has effect; later calls
// return the already-configured logger, matching the teacher's
// sync.Once-guarded Configure.
func Configure(profile Profile) zerolog.Logger {
	configureOnce.Do(func() {
		level, timestamp := defaultLevel(profile), true
		if profile == ProfileTest {
			timestamp = false
		}
		noColor, bypass := false, false

		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}
		if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
			timestamp = v
		}
		if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
			noColor = v
		}
		if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
			bypass = v
		}

		if bypass {
			logger = zerolog.Nop()
			return
		}

		writer := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor}
		if !timestamp {
			writer.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		if timestamp {
			logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
		} else {
			logger = zerolog.New(writer).Level(level)
		}
		configured = true
	})
	return logger
}

// Logger returns the process logger, configuring it with ProfileRuntime
// defaults if nothing has called Configure yet.
func Logger() zerolog.Logger {
	if !configured {
		return ConfigureRuntime()
	}
	return logger
}

func defaultLevel(profile Profile) zerolog.Level {
	if profile == ProfileTest {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
