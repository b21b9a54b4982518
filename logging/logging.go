// Package logging sets up the process-wide zerolog logger used by every
// bridge component.
//
// Output always goes to stderr by default: a native messaging host owns
// stdout for framed messages.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "NATIVEBRIDGE_LOG_LEVEL"
	EnvLogTimestamp = "NATIVEBRIDGE_LOG_TIMESTAMP"
	EnvLogNoColor   = "NATIVEBRIDGE_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type Options struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool

	// Defaults to os.Stderr.
	Output io.Writer

	// Console buffering; 0 writes every line through immediately.
	BufferSize    int
	FlushInterval time.Duration
}

var (
	configureOnce sync.Once

	lock    sync.RWMutex
	root    = zerolog.New(os.Stderr).Level(zerolog.InfoLevel)
	console *bufferedConsole
)

func DefaultOptions(profile Profile) Options {
	switch profile {
	case ProfileTest:
		return Options{
			Level:     zerolog.DebugLevel,
			Timestamp: false,
			NoColor:   true,
		}
	default:
		return Options{
			Level:         zerolog.InfoLevel,
			Timestamp:     true,
			BufferSize:    32 * 1024,
			FlushInterval: time.Second,
		}
	}
}

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	ConfigureWith(DefaultOptions(profile))
}

// Installs the process logger. Only the first call in a process has any
// effect; environment overrides win over opts.
func ConfigureWith(opts Options) {
	configureOnce.Do(func() {
		applyEnvOverrides(&opts)
		install(opts)
	})
}

// Installs the process logger unconditionally, replacing whatever an earlier
// Configure call set up. Environment overrides still win over opts. Loggers
// obtained before the call keep writing to the previous output.
func Reconfigure(opts Options) {
	configureOnce.Do(func() {})
	applyEnvOverrides(&opts)
	install(opts)
}

func install(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	bc := newBufferedConsole(out, opts.BufferSize, opts.FlushInterval)

	cw := zerolog.ConsoleWriter{
		Out:        bc,
		NoColor:    opts.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !opts.Timestamp {
		cw.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	ctx := zerolog.New(cw).Level(opts.Level).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}

	lock.Lock()
	defer lock.Unlock()
	if console != nil {
		_ = console.Close()
	}
	console = bc
	root = ctx.Logger()
}

// Returns a child of the process logger tagged with component.
func Logger(component string) zerolog.Logger {
	lock.RLock()
	defer lock.RUnlock()
	return root.With().Str("component", component).Logger()
}

// Flushes buffered console output.
func Flush() error {
	lock.RLock()
	bc := console
	lock.RUnlock()
	if bc == nil {
		return nil
	}
	return bc.Flush()
}

func applyEnvOverrides(opts *Options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		opts.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
}

// Accepts the usual level names plus a few aliases for "off". The second
// result is false for empty or unrecognized input.
func ParseLevel(raw string) (zerolog.Level, bool) {
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
	case "disabled", "disable", "off", "none":
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
