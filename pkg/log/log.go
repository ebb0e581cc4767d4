// Copyright The Far Memory Runtime Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError

	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message and panics with the same.
	Panic(format string, args ...interface{})
	// DebugEnabled checks if debug messages are enabled for the logger.
	DebugEnabled() bool
	// EnableDebug enables/disables debug messages for this logger.
	EnableDebug(bool) bool
	// Source returns the source name of the logger.
	Source() string
}

// logging encapsulates the full state of the logging package.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]*logger
	debug   map[string]bool
	backend *logrus.Logger
}

// logger implements Logger for a single source.
type logger struct {
	source string
	entry  *logrus.Entry
	debug  bool
}

var log = &logging{
	level:   DefaultLevel,
	loggers: make(map[string]*logger),
	debug:   make(map[string]bool),
	backend: newBackend(),
}

var deflog = log.get("default")

func newBackend() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger creates a Logger for the given source.
func NewLogger(source string) Logger {
	return Get(source)
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source.
func EnableDebug(source string, enabled bool) bool {
	log.Lock()
	defer log.Unlock()

	prev := log.debug[source]
	log.debug[source] = enabled
	if l, ok := log.loggers[source]; ok {
		l.debug = enabled
	}
	return prev
}

func (log *logging) get(source string) *logger {
	if l, ok := log.loggers[source]; ok {
		return l
	}
	l := &logger{
		source: source,
		entry:  log.backend.WithField("source", source),
		debug:  log.debug[source],
	}
	log.loggers[source] = l
	return l
}

func (log *logging) enabled(level Level) bool {
	return level >= log.level
}

func (l *logger) Debug(format string, args ...interface{}) {
	if !l.debug && !log.enabled(LevelDebug) {
		return
	}
	l.entry.Debugf(format, args...)
}

func (l *logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	l.entry.Infof(format, args...)
}

func (l *logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	l.entry.Warnf(format, args...)
}

func (l *logger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logger) Fatal(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

func (l *logger) Panic(format string, args ...interface{}) {
	l.entry.Panicf(format, args...)
}

func (l *logger) DebugEnabled() bool {
	return l.debug || log.enabled(LevelDebug)
}

func (l *logger) EnableDebug(enabled bool) bool {
	return EnableDebug(l.source, enabled)
}

func (l *logger) Source() string {
	return l.source
}
