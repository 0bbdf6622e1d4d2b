package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if path := os.Getenv("LOG_FILE"); path != "" {
		logger.SetOutput(io.MultiWriter(os.Stderr, fileWriter(path)))
	}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fileWriter rotates the log file at 100MB and keeps a week of backups
func fileWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     7,
	}
}

// Configure applies settings loaded after init, e.g. from a config file
func Configure(level, file string) {
	if level != "" {
		logger.SetLevel(parseLevel(level))
	}
	if file != "" {
		logger.SetOutput(io.MultiWriter(os.Stderr, fileWriter(file)))
	}
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
