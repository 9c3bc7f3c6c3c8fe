// Package logging configures the process-wide zap logger shared by the
// worker manager and the internal controller.
package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	globalLogger, _ = zap.NewProduction()
}

// Config holds parameters for creating a logger.
type Config struct {
	Level      string // "debug", "info", "warn", "error"
	Output     string // "stdout", "stderr", or file path
	MaxSize    int    // max megabytes before rotation
	MaxBackups int    // old rotated files to keep
	MaxAge     int    // days to retain old files
	Compress   bool   // gzip rotated files
}

// DefaultConfig returns the logging setup both agent binaries start with:
// info-level JSON to a rotated file under /var/log, named after the process.
func DefaultConfig(process string) Config {
	return Config{
		Level:      "info",
		Output:     "/var/log/tpc/" + process + ".log",
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     14,
		Compress:   true,
	}
}

// New creates a zap logger from a Config. When Output is a file path the
// returned io.Closer flushes and closes the log file; for stdout/stderr it
// is nil.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	var lvl zapcore.Level
	switch cfg.Level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var ws zapcore.WriteSyncer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		ws = zapcore.AddSync(os.Stdout)
	case "stderr":
		ws = zapcore.AddSync(os.Stderr)
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		ws = zapcore.AddSync(lj)
		closer = lj
	}

	core := zapcore.NewCore(encoder, ws, lvl)
	return zap.New(core, zap.AddCaller()), closer, nil
}

// Global returns the process logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal installs the process logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Component returns a child of the process logger tagged with the component
// name. Constructors take this so tests can substitute zap.NewNop().
func Component(name string) *zap.Logger {
	return Global().With(zap.String("component", name))
}
