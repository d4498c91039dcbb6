// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides a minimal leveled logging facade. Loaders accept a
// Logger through their Options and fall back to a stderr logger filtered to
// errors only.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Level is a logger level.
type Level int8

const (
	// LevelDebug is logger debug level.
	LevelDebug Level = iota - 1
	// LevelInfo is logger info level.
	LevelInfo
	// LevelWarn is logger warn level.
	LevelWarn
	// LevelError is logger error level.
	LevelError
	// LevelFatal is logger fatal level.
	LevelFatal
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	}
	return ""
}

// Logger is the logging abstraction consumed by every loader.
type Logger interface {
	Log(level Level, msg string) error
}

type stdLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewStdLogger returns a Logger writing one line per message to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{w: w}
}

func (l *stdLogger) Log(level Level, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "%s %s\n", level, msg)
	return err
}

// Filter wraps a Logger and drops messages below a threshold level.
type Filter struct {
	logger Logger
	level  Level
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// FilterLevel sets the minimum level that passes the filter.
func FilterLevel(level Level) FilterOption {
	return func(f *Filter) {
		f.level = level
	}
}

// NewFilter returns a filtering Logger.
func NewFilter(logger Logger, opts ...FilterOption) *Filter {
	f := &Filter{logger: logger}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Log implements Logger.
func (f *Filter) Log(level Level, msg string) error {
	if level < f.level {
		return nil
	}
	return f.logger.Log(level, msg)
}

// Helper provides the printf-style methods used throughout the module.
type Helper struct {
	logger Logger
}

// NewHelper wraps a Logger into a Helper.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

// Default returns a Helper writing to stderr, filtered to errors.
func Default() *Helper {
	return NewHelper(NewFilter(NewStdLogger(os.Stderr), FilterLevel(LevelError)))
}

// Debug logs a message at debug level.
func (h *Helper) Debug(args ...interface{}) { h.logger.Log(LevelDebug, fmt.Sprint(args...)) }

// Debugf logs a formatted message at debug level.
func (h *Helper) Debugf(format string, args ...interface{}) {
	h.logger.Log(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs a message at info level.
func (h *Helper) Info(args ...interface{}) { h.logger.Log(LevelInfo, fmt.Sprint(args...)) }

// Infof logs a formatted message at info level.
func (h *Helper) Infof(format string, args ...interface{}) {
	h.logger.Log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs a message at warn level.
func (h *Helper) Warn(args ...interface{}) { h.logger.Log(LevelWarn, fmt.Sprint(args...)) }

// Warnf logs a formatted message at warn level.
func (h *Helper) Warnf(format string, args ...interface{}) {
	h.logger.Log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs a message at error level.
func (h *Helper) Error(args ...interface{}) { h.logger.Log(LevelError, fmt.Sprint(args...)) }

// Errorf logs a formatted message at error level.
func (h *Helper) Errorf(format string, args ...interface{}) {
	h.logger.Log(LevelError, fmt.Sprintf(format, args...))
}
