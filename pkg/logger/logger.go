package logger

import (
	"log"
	"os"
)

type Logger struct {
	info  *log.Logger
	warn  *log.Logger
	error *log.Logger
	debug *log.Logger

	debugEnabled bool
}

var Default = New()

func New() *Logger {
	return &Logger{
		info:         log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		warn:         log.New(os.Stdout, "[WARN] ", log.LstdFlags),
		error:        log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		debug:        log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
		debugEnabled: true,
	}
}

// SetDebug toggles whether Debug writes anything; the daemon drives it
// from its --verbose flag.
func (l *Logger) SetDebug(enabled bool) {
	l.debugEnabled = enabled
}

func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(format, v...)
}

func (l *Logger) Warn(format string, v ...any) {
	l.warn.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	if !l.debugEnabled {
		return
	}
	l.debug.Printf(format, v...)
}

func SetDebug(enabled bool) {
	Default.SetDebug(enabled)
}

func Info(format string, v ...any) {
	Default.Info(format, v...)
}

func Warn(format string, v ...any) {
	Default.Warn(format, v...)
}

func Error(format string, v ...any) {
	Default.Error(format, v...)
}

func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}
