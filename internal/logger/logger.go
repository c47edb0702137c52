package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"tg-imagebot/internal/config"
)

// Level orders log severities from most to least verbose.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

var levelNames = map[string]Level{
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARNING": LevelWarning,
	"WARN":    LevelWarning,
	"ERROR":   LevelError,
	"FATAL":   LevelFatal,
}

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(LevelInfo))
}

// ParseLevel maps a configured level name to a Level, defaulting to INFO
func ParseLevel(name string) Level {
	if l, ok := levelNames[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return l
	}
	return LevelInfo
}

// SetLevel changes the minimum level that is written
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

// Enabled reports whether messages at level l are written
func Enabled(l Level) bool {
	return Level(currentLevel.Load()) <= l
}

// createLogFilePath generates a log file path with the current date
func createLogFilePath(logDir, prefix string) string {
	currentDate := time.Now().Format("2006-01-02")
	return filepath.Join(logDir, fmt.Sprintf("%s-%s.log", prefix, currentDate))
}

// createRotatingLogger creates a lumberjack rotating logger
func createRotatingLogger(logFilePath string, cfg *config.Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.Logger.Rotation.MaxSize,
		MaxBackups: cfg.Logger.Rotation.MaxBackups,
		MaxAge:     cfg.Logger.Rotation.MaxAge,
		Compress:   cfg.Logger.Rotation.Compress,
	}
}

// createMultiWriter creates a writer that outputs to both stdout and log file
func createMultiWriter(rotatingLogger io.Writer) io.Writer {
	return io.MultiWriter(os.Stdout, rotatingLogger)
}

// Setup configures logging to output to both stdout and a rotating log file
func Setup(cfg *config.Config) error {
	logDir := cfg.Logger.Directory

	// Create log directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilePath := createLogFilePath(logDir, "imagebot")
	rotatingLogger := createRotatingLogger(logFilePath, cfg)
	multiWriter := createMultiWriter(rotatingLogger)

	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	SetLevel(ParseLevel(cfg.Logger.Level))

	log.Printf("Logging initialized: writing to %s (level %s)", logFilePath, cfg.Logger.Level)
	return nil
}

// GetRotatingLogWriter returns a rotating log writer for custom loggers
func GetRotatingLogWriter(cfg *config.Config, prefix string) io.Writer {
	logFilePath := createLogFilePath(cfg.Logger.Directory, prefix)
	rotatingLogger := createRotatingLogger(logFilePath, cfg)
	return createMultiWriter(rotatingLogger)
}

// output skips this file and the exported helper so Lshortfile points at the caller
func output(l Level, tag, msg string) {
	if !Enabled(l) {
		return
	}
	_ = log.Output(3, "["+tag+"] "+msg)
}

func Debugf(format string, args ...interface{}) {
	output(LevelDebug, "DEBUG", fmt.Sprintf(format, args...))
}

func Info(msg string) {
	output(LevelInfo, "INFO", msg)
}

func Infof(format string, args ...interface{}) {
	output(LevelInfo, "INFO", fmt.Sprintf(format, args...))
}

func Warning(msg string) {
	output(LevelWarning, "WARNING", msg)
}

func Warningf(format string, args ...interface{}) {
	output(LevelWarning, "WARNING", fmt.Sprintf(format, args...))
}

func Error(msg string) {
	output(LevelError, "ERROR", msg)
}

func Errorf(format string, args ...interface{}) {
	output(LevelError, "ERROR", fmt.Sprintf(format, args...))
}

// Fatalf logs and exits the process
func Fatalf(format string, args ...interface{}) {
	output(LevelFatal, "FATAL", fmt.Sprintf(format, args...))
	os.Exit(1)
}
