// Package logging provides leveled logging for fleetupdate.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const logFileName = "fleetupdate.log"

// Level orders log severities.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses a level name. "warn" is accepted for warning.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger wraps the standard logger with file output
type Logger struct {
	*log.Logger
	file *os.File
	mu   sync.Mutex
}

var (
	defaultLogger *Logger
	once          sync.Once
	minLevel      atomic.Int32
)

func init() {
	minLevel.Store(int32(LevelInfo))
	if os.Getenv("DEBUG") == "true" {
		minLevel.Store(int32(LevelDebug))
	}
}

// SetLevel drops messages below l.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

// CurrentLevel returns the active threshold.
func CurrentLevel() Level { return Level(minLevel.Load()) }

// Initialize sets up the logging system with file output. An empty logDir
// keeps logging on stderr only.
func Initialize(logDir string) error {
	if logDir == "" {
		return nil
	}
	var initErr error
	once.Do(func() {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}

		logPath := filepath.Join(logDir, logFileName)
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			initErr = fmt.Errorf("failed to open log file: %w", err)
			return
		}

		multiWriter := io.MultiWriter(os.Stderr, file)
		defaultLogger = &Logger{
			Logger: log.New(multiWriter, "", log.LstdFlags),
			file:   file,
		}
		log.SetOutput(multiWriter)

		Info("Logging initialized: %s", logPath)
	})
	return initErr
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	if defaultLogger != nil {
		defaultLogger.SetOutput(w)
		return
	}
	log.SetOutput(w)
}

// Close closes the log file
func Close() error {
	if defaultLogger != nil && defaultLogger.file != nil {
		return defaultLogger.file.Close()
	}
	return nil
}

func output(l Level, tag, format string, v ...interface{}) {
	if l < CurrentLevel() {
		return
	}
	msg := fmt.Sprintf(tag+" "+format, v...)
	if defaultLogger != nil {
		defaultLogger.Println(msg)
	} else {
		log.Println(msg)
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) { output(LevelError, "[ERROR]", format, v...) }

// Warning logs a warning message
func Warning(format string, v ...interface{}) { output(LevelWarning, "[WARN]", format, v...) }

// Info logs an info message
func Info(format string, v ...interface{}) { output(LevelInfo, "[INFO]", format, v...) }

// Debug logs a debug message
func Debug(format string, v ...interface{}) { output(LevelDebug, "[DEBUG]", format, v...) }

// RotateLogs moves the current log file aside with a timestamp and starts a
// new one.
func RotateLogs(logDir string) error {
	if defaultLogger == nil {
		return fmt.Errorf("logger not initialized")
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if err := defaultLogger.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	oldPath := filepath.Join(logDir, logFileName)
	newPath := filepath.Join(logDir, fmt.Sprintf("fleetupdate-%s.log", time.Now().Format("20060102-150405")))
	if err := os.Rename(oldPath, newPath); err != nil {
		defaultLogger.file, _ = os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	file, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}
	defaultLogger.file = file

	multiWriter := io.MultiWriter(os.Stderr, file)
	defaultLogger.Logger.SetOutput(multiWriter)
	log.SetOutput(multiWriter)

	Info("Log rotation completed: %s", newPath)
	return nil
}
