// Package logx provides a small leveled logger used by every
// long-running Pigeon component in place of scattered log.Printf
// calls.
package logx

import (
	"io"
	"log"
	"os"
)

const (
	LevelSilent = iota
	LevelError
	LevelInfo
	LevelDebug
)

// ParseLevel maps the log_level configuration string (and
// PIGEON_LOG_LEVEL) to a Level, defaulting to LevelInfo for an
// unrecognized or empty value.
func ParseLevel(s string) int {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "error":
		return LevelError
	case "silent":
		return LevelSilent
	default:
		return LevelInfo
	}
}

type Logger struct {
	debug *log.Logger
	info  *log.Logger
	err   *log.Logger
}

// New builds a Logger writing to os.Stdout, with prepend inserted
// after the level tag (e.g. "contact=42 ").
func New(level int, prepend string) *Logger {
	return NewOutput(level, prepend, os.Stdout)
}

// NewOutput is like New but writes to an arbitrary writer; tests use
// this to capture output.
func NewOutput(level int, prepend string, output io.Writer) *Logger {
	logErr, logInfo, logDebug := func() (io.Writer, io.Writer, io.Writer) {
		if level >= LevelDebug {
			return output, output, output
		}
		if level >= LevelInfo {
			return output, output, io.Discard
		}
		if level >= LevelError {
			return output, io.Discard, io.Discard
		}
		return io.Discard, io.Discard, io.Discard
	}()

	return &Logger{
		debug: log.New(logDebug, "DEBUG: "+prepend, log.Ldate|log.Ltime),
		info:  log.New(logInfo, "INFO: "+prepend, log.Ldate|log.Ltime),
		err:   log.New(logErr, "ERROR: "+prepend, log.Ldate|log.Ltime),
	}
}

func (l *Logger) Debug(v ...interface{})            { l.debug.Println(v...) }
func (l *Logger) Debugf(f string, v ...interface{}) { l.debug.Printf(f, v...) }
func (l *Logger) Info(v ...interface{})             { l.info.Println(v...) }
func (l *Logger) Infof(f string, v ...interface{})  { l.info.Printf(f, v...) }
func (l *Logger) Error(v ...interface{})            { l.err.Println(v...) }
func (l *Logger) Errorf(f string, v ...interface{}) { l.err.Printf(f, v...) }
