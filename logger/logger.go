// SPDX-License-Identifier: LGPL-2.1-or-later

// Package logger provides the daemon-wide structured logger: global
// Noticef/Debugf/Errorf convenience functions over a singleton set up at
// package init, backed by zerolog with lumberjack rotation.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the daemon logs.
type Config struct {
	// Path is a log file to write to; empty means stderr.
	Path    string
	Debug   bool
	MaxSize int // megabytes
}

// debugEnvVar is the environment variable that forces debug verbosity
// independently of the -d/--diag CLI flag.
const debugEnvVar = "LOGGER_DEBUG"

// DebugFromEnv reports whether LOGGER_DEBUG is set to a truthy value
// ("1", "true", "yes", case-insensitive). Callers OR this with the
// -d/--diag flag when building Config.
func DebugFromEnv() bool {
	switch strings.ToLower(os.Getenv(debugEnvVar)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

var (
	global   zerolog.Logger
	globalMu sync.RWMutex
	once     sync.Once
)

func init() {
	once.Do(func() { setGlobal(Config{}) })
}

// Init (re)configures the global logger. Safe to call once at startup
// before any subsystem has logged anything.
func Init(cfg Config) {
	setGlobal(cfg)
}

func setGlobal(cfg Config) {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		maxSize := cfg.MaxSize
		if maxSize == 0 {
			maxSize = 5
		}
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Logger()

	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

func get() zerolog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Noticef logs an operator-relevant message at info level, for messages
// that always belong in the log.
func Noticef(format string, args ...interface{}) {
	l := get()
	l.Info().Msg(fmt.Sprintf(format, args...))
}

// Debugf logs a message only visible with -d/--diag or LOGGER_DEBUG=1.
func Debugf(format string, args ...interface{}) {
	l := get()
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message; WithError attaches an error value.
func Errorf(format string, args ...interface{}) {
	l := get()
	l.Error().Msg(fmt.Sprintf(format, args...))
}

// WithError logs err at error level alongside a formatted message.
func WithError(err error, format string, args ...interface{}) {
	l := get()
	l.Error().Err(err).Msg(fmt.Sprintf(format, args...))
}

// Panicf logs at panic level then panics, used only for programmer errors
// (an invariant violated by our own code, never by external input).
func Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l := get()
	l.Panic().Msg(msg)
}
