// Package log implements a wrapper around the Go standard library's
// logging package. Clients should set the current log level; only
// messages below that level will actually be logged. For example, if
// Level is set to LevelWarning, only log messages at the Warning,
// Error, and Critical levels will be logged.
package log

import (
	"flag"
	"fmt"
	golog "log"
	"log/syslog"
	"os"
	"sync"
)

// The following constants represent logging levels in increasing levels
// of seriousness.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
	LevelFatal
)

var levelPrefix = [...]string{
	LevelDebug:    "[DEBUG] ",
	LevelInfo:     "[INFO] ",
	LevelWarning:  "[WARNING] ",
	LevelError:    "[ERROR] ",
	LevelCritical: "[CRITICAL] ",
	LevelFatal:    "[FATAL] ",
}

var levelPriority = [...]syslog.Priority{
	LevelDebug:    syslog.LOG_DEBUG,
	LevelInfo:     syslog.LOG_INFO,
	LevelWarning:  syslog.LOG_WARNING,
	LevelError:    syslog.LOG_ERR,
	LevelCritical: syslog.LOG_CRIT,
	LevelFatal:    syslog.LOG_EMERG,
}

// Level stores the current logging level.
var Level = LevelInfo

var (
	mu        sync.Mutex
	syslogger *syslog.Writer
)

func init() {
	flag.IntVar(&Level, "loglevel", LevelInfo, "Log level (0 = DEBUG, 5 = FATAL)")
}

// UseSyslog routes all subsequent log output to syslog. The connection is
// established once; network and raddr are passed through to syslog.Dial, so
// empty strings select the local syslog daemon.
func UseSyslog(network, raddr, tag string) error {
	w, err := syslog.Dial(network, raddr, syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	mu.Lock()
	syslogger = w
	mu.Unlock()
	return nil
}

func outputf(l int, format string, v []interface{}) {
	if l < Level {
		return
	}
	write(l, fmt.Sprintf(fmt.Sprint(levelPrefix[l], format), v...))
}

func output(l int, v []interface{}) {
	if l < Level {
		return
	}
	write(l, fmt.Sprint(levelPrefix[l], fmt.Sprint(v...)))
}

var priorityWriter = map[syslog.Priority]func(*syslog.Writer, string) error{
	syslog.LOG_DEBUG:   (*syslog.Writer).Debug,
	syslog.LOG_INFO:    (*syslog.Writer).Info,
	syslog.LOG_WARNING: (*syslog.Writer).Warning,
	syslog.LOG_ERR:     (*syslog.Writer).Err,
	syslog.LOG_CRIT:    (*syslog.Writer).Crit,
	syslog.LOG_EMERG:   (*syslog.Writer).Emerg,
}

func write(l int, msg string) {
	mu.Lock()
	defer mu.Unlock()

	if syslogger != nil {
		if err := priorityWriter[levelPriority[l]](syslogger, msg); err == nil {
			return
		}
		// Fall through to stderr/stdout if syslog writes start failing.
	}
	if l > LevelWarning {
		golog.SetOutput(os.Stderr)
	} else {
		golog.SetOutput(os.Stdout)
	}
	golog.Print(msg)
}

// Fatalf logs a formatted message at the "fatal" level and then exits. The
// arguments are handled in the same manner as fmt.Printf.
func Fatalf(format string, v ...interface{}) {
	outputf(LevelFatal, format, v)
	os.Exit(1)
}

// Fatal logs its arguments at the "fatal" level and then exits.
func Fatal(v ...interface{}) {
	output(LevelFatal, v)
	os.Exit(1)
}

// Criticalf logs a formatted message at the "critical" level. The
// arguments are handled in the same manner as fmt.Printf.
func Criticalf(format string, v ...interface{}) {
	outputf(LevelCritical, format, v)
}

// Critical logs its arguments at the "critical" level.
func Critical(v ...interface{}) {
	output(LevelCritical, v)
}

// Errorf logs a formatted message at the "error" level. The arguments
// are handled in the same manner as fmt.Printf.
func Errorf(format string, v ...interface{}) {
	outputf(LevelError, format, v)
}

// Error logs its arguments at the "error" level.
func Error(v ...interface{}) {
	output(LevelError, v)
}

// Warningf logs a formatted message at the "warning" level. The
// arguments are handled in the same manner as fmt.Printf.
func Warningf(format string, v ...interface{}) {
	outputf(LevelWarning, format, v)
}

// Warning logs its arguments at the "warning" level.
func Warning(v ...interface{}) {
	output(LevelWarning, v)
}

// Infof logs a formatted message at the "info" level. The arguments
// are handled in the same manner as fmt.Printf.
func Infof(format string, v ...interface{}) {
	outputf(LevelInfo, format, v)
}

// Info logs its arguments at the "info" level.
func Info(v ...interface{}) {
	output(LevelInfo, v)
}

// Debugf logs a formatted message at the "debug" level. The arguments
// are handled in the same manner as fmt.Printf.
func Debugf(format string, v ...interface{}) {
	outputf(LevelDebug, format, v)
}

// Debug logs its arguments at the "debug" level.
func Debug(v ...interface{}) {
	output(LevelDebug, v)
}
