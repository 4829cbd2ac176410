// Package logging wraps logrus with the samba-mux defaults: a shared base
// logger, optional rotating file output, and gin middleware adapters.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = logrus.New()

// SetupBaseLogger configures the shared logger for console output.
// Called once at process start before any other logging.
func SetupBaseLogger() {
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
}

// SetDebug toggles debug-level logging.
func SetDebug(debug bool) {
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// ConfigureLogOutput switches the shared logger to a rotating log file when
// toFile is true. Console output is kept for warnings and above.
func ConfigureLogOutput(toFile bool, dir string) error {
	if !toFile {
		return nil
	}
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "samba-mux.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(rotator))
	return nil
}

// Logger exposes the shared logrus instance for middleware adapters.
func Logger() *logrus.Logger {
	return logger
}

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }
func Fatalf(format string, args ...any) { logger.Fatalf(format, args...) }

func Debug(args ...any) { logger.Debug(args...) }
func Info(args ...any)  { logger.Info(args...) }
func Warn(args ...any)  { logger.Warn(args...) }
func Error(args ...any) { logger.Error(args...) }

// WithError returns an entry with the error attached.
func WithError(err error) *logrus.Entry {
	return logger.WithError(err)
}

// WithField returns an entry with a single structured field.
func WithField(key string, value any) *logrus.Entry {
	return logger.WithField(key, value)
}
