// Package logging builds the process zap logger. Besides the console or JSON
// stream on stderr it appends to .forge/logs/forge.log so operators can
// inspect a run after the terminal is gone.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/forge/internal/config"
)

// Options selects the encoder, level and sinks.
type Options struct {
	Level  string
	Format string
	// LogDir, when set, adds a JSON file sink at LogDir/forge.log.
	LogDir string
}

// FromConfig derives Options from the project config.
func FromConfig(cfg *config.Config) Options {
	opts := Options{Level: cfg.Project.Logging.Level, Format: cfg.Project.Logging.Format}
	if cfg.Project.Logging.File {
		opts.LogDir = cfg.LogsDir()
	}
	return opts
}

// Logger owns the zap logger and the file it may write to.
type Logger struct {
	*zap.Logger
	file *os.File
}

// New creates the process logger.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(opts.Format), zapcore.Lock(os.Stderr), level),
	}
	var file *os.File
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		path := filepath.Join(opts.LogDir, "forge.log")
		file, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(newEncoder("json"), zapcore.AddSync(file), level))
	}
	return &Logger{Logger: zap.New(zapcore.NewTee(cores...), zap.AddCaller()), file: file}, nil
}

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(value string) (zapcore.Level, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(value)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Close flushes buffered entries and releases the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	err := l.Sync()
	if err != nil && isStdoutSyncError(err) {
		err = nil
	}
	if l.file != nil {
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Printf adapts a zap logger for components that only need a Printf.
func Printf(logger *zap.Logger) PrintfLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfLogger{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// PrintfLogger writes Printf lines at info level.
type PrintfLogger struct {
	sugar *zap.SugaredLogger
}

// Printf writes one line.
func (p PrintfLogger) Printf(format string, args ...any) {
	p.sugar.Infof(strings.TrimRight(format, "\n"), args...)
}

func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
