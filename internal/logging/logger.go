// Package logging provides package-level structured logging on top of
// zerolog, gated by the FILINGS_RAG_LOG environment variable, following the
// teacher's internal/logging/logger.go Init/Debug/Info/Error/Close shape.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger  zerolog.Logger
	logFile *os.File
	enabled bool
)

// Init initializes the logger based on the FILINGS_RAG_LOG environment
// variable ("debug", "info", "error"). Logging stays disabled if unset or
// set to an unrecognized value.
func Init() error {
	level := os.Getenv("FILINGS_RAG_LOG")
	if level == "" {
		return nil
	}

	var zlevel zerolog.Level
	switch strings.ToLower(level) {
	case "debug":
		zlevel = zerolog.DebugLevel
	case "info":
		zlevel = zerolog.InfoLevel
	case "error":
		zlevel = zerolog.ErrorLevel
	default:
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	logsDir := filepath.Join(homeDir, ".filings-rag", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	logPath := filepath.Join(logsDir, fmt.Sprintf("ingest-%s.log", time.Now().Format("2006-01-02")))
	logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	logger = zerolog.New(logFile).With().Timestamp().Logger().Level(zlevel)
	enabled = true
	logger.Info().Msg("log started")

	return nil
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	if enabled {
		logger.Debug().Msg(fmt.Sprintf(format, v...))
	}
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	if enabled {
		logger.Info().Msg(fmt.Sprintf(format, v...))
	}
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	if enabled {
		logger.Error().Msg(fmt.Sprintf(format, v...))
	}
}

// Close flushes and closes the underlying log file.
func Close() {
	if enabled && logFile != nil {
		logger.Info().Msg("log ended")
		logFile.Close()
	}
}
